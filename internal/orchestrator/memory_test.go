package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// MockToolCaller mocks memory tool calls
type MockToolCaller struct {
	mock.Mock
}

func (m *MockToolCaller) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	called := m.Called(ctx, name, args)
	return called.Get(0), called.Error(1)
}

func TestToolMemory_Recall(t *testing.T) {
	client := &MockToolCaller{}
	client.On("CallTool", mock.Anything, "memory_search", mock.MatchedBy(func(args map[string]interface{}) bool {
		query, ok := args["query"].(string)
		return ok && strings.Contains(query, "Fix uploads") && args["limit"] == 3 &&
			args["project_id"] == "uploader"
	})).Return([]map[string]interface{}{
		{"id": "mem-001", "content": "Previous learning", "score": 0.85},
		{"id": "mem-002", "content": "Another", "score": 1},
	}, nil)

	mem := NewToolMemory(client)
	results, err := mem.Recall(context.Background(), &task.Task{Title: "Fix uploads", WorkspacePath: "/src/uploader"}, 3)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "mem-001", results[0].ID)
	assert.Equal(t, 0.85, results[0].Score)
	assert.Equal(t, float64(1), results[1].Score)
	client.AssertExpectations(t)
}

func TestToolMemory_Recall_UnexpectedShape(t *testing.T) {
	client := &MockToolCaller{}
	client.On("CallTool", mock.Anything, "memory_search", mock.Anything).Return("not a list", nil)

	results, err := NewToolMemory(client).Recall(context.Background(), &task.Task{Title: "x"}, 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestToolMemory_Recall_MemoriesObject(t *testing.T) {
	client := &MockToolCaller{}
	client.On("CallTool", mock.Anything, "memory_search", mock.Anything).Return(map[string]interface{}{
		"memories": []interface{}{
			map[string]interface{}{"id": "mem-9", "content": "use t.TempDir", "score": 0.5},
			"garbage",
		},
		"count": 1,
	}, nil)

	results, err := NewToolMemory(client).Recall(context.Background(), &task.Task{Title: "x"}, 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mem-9", results[0].ID)
}

func TestToolMemory_Recall_Error(t *testing.T) {
	client := &MockToolCaller{}
	client.On("CallTool", mock.Anything, "memory_search", mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := NewToolMemory(client).Recall(context.Background(), &task.Task{Title: "x"}, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to search memory")
}

func TestToolMemory_Persist(t *testing.T) {
	client := &MockToolCaller{}
	client.On("CallTool", mock.Anything, "memory_record", mock.MatchedBy(func(args map[string]interface{}) bool {
		content, _ := args["content"].(string)
		tags, _ := args["tags"].([]string)
		return args["outcome"] == "failure" && args["project_id"] == "default" &&
			args["title"] == "Fix uploads (round 2)" &&
			strings.Contains(content, "failed (review_blocker)") &&
			strings.Contains(content, "[error] review_blocker") &&
			len(tags) == 4 && tags[3] == "review_blocker"
	})).Return(map[string]interface{}{"id": "mem-123"}, nil)

	err := NewToolMemory(client).Persist(context.Background(), &task.Task{Title: "Fix uploads"}, &RoundResult{
		Number:     2,
		GateReason: task.ReasonReviewBlocker,
		Violations: []Violation{{Type: ViolationReviewBlocker, Severity: SeverityError, Description: "race"}},
	})

	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestGuardedMemory_SwallowsErrors(t *testing.T) {
	client := &MockToolCaller{}
	client.On("CallTool", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("down"))

	g := NewGuardedMemory(NewToolMemory(client), nil)
	mems, err := g.Recall(context.Background(), &task.Task{ID: "t1"}, 5)
	assert.NoError(t, err)
	assert.Nil(t, mems)
	assert.NoError(t, g.Persist(context.Background(), &task.Task{ID: "t1"}, &RoundResult{Number: 1}))
	client.AssertNumberOfCalls(t, "CallTool", 2)
}

func TestGuardedMemory_NilInner(t *testing.T) {
	g := NewGuardedMemory(nil, nil)
	mems, err := g.Recall(context.Background(), &task.Task{}, 5)
	assert.NoError(t, err)
	assert.Nil(t, mems)
	assert.NoError(t, g.Persist(context.Background(), &task.Task{}, &RoundResult{}))
}

func TestProjectID(t *testing.T) {
	assert.Equal(t, "default", projectID(&task.Task{}))
	assert.Equal(t, "api", projectID(&task.Task{WorkspacePath: "/home/dev/api/"}))
	assert.Equal(t, "default", projectID(&task.Task{WorkspacePath: "/"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
