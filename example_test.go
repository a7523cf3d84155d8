package gitfix_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lorenzkrinner/gitfix"
)

// Example_localRunner submits an issue to a LocalRunner and waits for the
// drafted fix.
func Example_localRunner() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner, err := gitfix.NewLocalRunner(gitfix.Options{Pacing: gitfix.NoPacing})
	if err != nil {
		log.Fatal(err)
	}
	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	inst := &gitfix.WorkflowInstance{
		RepositoryID: "demo",
		IssueNumber:  7,
		Title:        "TypeError when session expires",
	}
	if err := runner.Submit(ctx, inst); err != nil {
		log.Fatal(err)
	}

	done, err := runner.Wait(ctx, inst.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(done.Status, done.Triage.Classification)
	// Output: awaiting_review fixable
}

// Example_inMemoryEngine replays an issue synchronously, without a worker.
func Example_inMemoryEngine() {
	ctx := context.Background()

	eng, err := gitfix.NewInMemoryEngine(gitfix.Options{Pacing: gitfix.NoPacing})
	if err != nil {
		log.Fatal(err)
	}
	inst := &gitfix.WorkflowInstance{RepositoryID: "demo", Title: "Please rewrite the billing module in Rust"}
	if err := eng.CreateInstance(ctx, inst); err != nil {
		log.Fatal(err)
	}
	done, err := eng.Execute(ctx, inst.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(done.Status)
	// Output: too_complex
}
