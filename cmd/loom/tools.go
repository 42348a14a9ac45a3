package main

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/loom/internal/runtime"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

type clockArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as Europe/Berlin; defaults to UTC"`
}

// builtinTools returns the demo tools every agent gets: echo and clock.
// Their schemas are derived from the argument structs.
func builtinTools() ([]*runtime.ToolDefinition, error) {
	echo, err := runtime.NewTypedTool("echo", "Echo the provided text back.",
		func(ctx context.Context, tctx runtime.ToolContext, args echoArgs) (*runtime.ToolOutcome, error) {
			return runtime.TextOutcome(args.Text), nil
		})
	if err != nil {
		return nil, err
	}

	clock, err := runtime.NewTypedTool("clock", "Return the current time, optionally in a given timezone.",
		func(ctx context.Context, tctx runtime.ToolContext, args clockArgs) (*runtime.ToolOutcome, error) {
			loc := time.UTC
			if args.Timezone != "" {
				var err error
				loc, err = time.LoadLocation(args.Timezone)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", args.Timezone)
				}
			}
			return runtime.TextOutcome(time.Now().In(loc).Format(time.RFC3339)), nil
		})
	if err != nil {
		return nil, err
	}

	return []*runtime.ToolDefinition{echo, clock}, nil
}
