package sandbox

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// RepoState is what the promotion guard needs to know about a target.
type RepoState struct {
	IsRepo  bool
	Branch  string
	HeadSHA string
	Clean   bool
}

// InspectRepo reads branch, head and cleanliness of the repository at path.
// A directory that is not a repository yields a zero state and no error.
func InspectRepo(path string) (RepoState, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return RepoState{}, nil
	}
	if err != nil {
		return RepoState{}, fmt.Errorf("open repository: %w", err)
	}

	st := RepoState{IsRepo: true}
	head, err := repo.Head()
	switch {
	case err == nil:
		st.HeadSHA = head.Hash().String()
		if head.Name().IsBranch() {
			st.Branch = head.Name().Short()
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn branch: HEAD is symbolic but points at nothing yet.
		if ref, refErr := repo.Reference(plumbing.HEAD, false); refErr == nil && ref.Type() == plumbing.SymbolicReference {
			st.Branch = ref.Target().Short()
		}
	default:
		return RepoState{}, fmt.Errorf("read HEAD: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return RepoState{}, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return RepoState{}, fmt.Errorf("worktree status: %w", err)
	}
	st.Clean = status.IsClean()
	return st, nil
}

// HeadSHA returns the head commit of the repository at path, or "" when path
// is not a repository or has no commits.
func HeadSHA(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	return head.Hash().String(), nil
}
