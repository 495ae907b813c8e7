// Package orchestrator runs one round of a task: discussion, implementation,
// review, verification and the gate.
//
// # Phases
//
//	discussion → implementation → review → verification → gate
//
// The author runs discussion and implementation. A runtime failure of the
// author is a hard gate: the round ends immediately with the reason
// "<phase>_<failure>", for example "implementation_command_timeout".
//
// Reviewers run concurrently in the review phase. A reviewer whose runtime
// fails is downgraded to an unknown verdict and the round continues.
//
// Verification runs the task's commands and writes an evidence bundle. The
// gate then runs every PhaseGate in order:
//   - PrecompletionGate: commands configured and a bundle on disk
//   - VerificationGate: every command passed, and none printed usage text
//   - ReviewGate: the aggregated verdict is no_blocker
//
// The first violation of error or critical severity becomes the gate reason.
//
// # Cancellation
//
// A CancelCheck is consulted before each phase. When it reports true the
// executor returns a RoundResult with Canceled set and the phase it stopped
// before; no further participant is invoked.
//
// # Memory
//
// MemoryHooks recall learnings into the proposal and discussion prompts and
// record each round's outcome afterwards. Hooks are always wrapped in
// GuardedMemory, so a memory service outage never affects a round.
package orchestrator
