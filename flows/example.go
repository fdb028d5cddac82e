// Package flows holds the flow definitions compiled into this binary. A
// flowctl deployment lists its own flows directory in this package (or a
// package it blank-imports from cmd/flowctl), since a statically compiled
// flow's task bodies must be linked into the process that executes them —
// see internal/flow/registry.go.
package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/flowctl/flowctl/internal/flow"
)

func init() {
	f := flow.New("example",
		flow.WithDescription("fetches a page and reports its size"),
		flow.WithCron("*/5 * * * *"),
		flow.WithMaxDelay(2*time.Minute),
	)

	fetch := f.Task("fetch", flow.TaskFunc(fetchPage), flow.WithRetry(2, 10*time.Second))
	f.Task("report", flow.TaskFunc(reportSize)).Requires(fetch)

	flow.Register("example.go", f)
}

func fetchPage(ctx context.Context, rc flow.RunContext) (flow.Output, error) {
	return flow.ObjectOutput{Value: 1024}, nil
}

func reportSize(ctx context.Context, rc flow.RunContext) (flow.Output, error) {
	out, ok := rc.Upstream("fetch")
	if !ok {
		return nil, fmt.Errorf("report: missing fetch output")
	}
	obj, ok := out.(flow.ObjectOutput)
	if !ok {
		return nil, fmt.Errorf("report: unexpected output type %T", out)
	}
	fmt.Printf("fetched %v bytes\n", obj.Value)
	return nil, nil
}
