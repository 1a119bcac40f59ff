package importer

import "context"

// RequestBuilder resolves the endpoint and stores it under ParamURL.
type RequestBuilder interface {
	BuildRequest(ctx context.Context, args *Args) error
}

// Fetcher retrieves the raw payload and stores it under ParamPayload.
type Fetcher interface {
	Fetch(ctx context.Context, args *Args) error
}

// Parser turns ParamPayload into typed records under ParamRecords.
// An empty result is reported as ErrNotFound.
type Parser interface {
	Parse(ctx context.Context, args *Args) error
}

// Merger hands ParamRecords to persistence.
type Merger interface {
	Merge(ctx context.Context, args *Args) error
}

// Pipeline is the set of stage strategies a job runs. Nil stages are skipped.
type Pipeline struct {
	Request RequestBuilder
	Fetch   Fetcher
	Parse   Parser
	Merge   Merger
}

// StageFunc adapts a function to every stage interface.
type StageFunc func(ctx context.Context, args *Args) error

func (f StageFunc) BuildRequest(ctx context.Context, args *Args) error { return f(ctx, args) }
func (f StageFunc) Fetch(ctx context.Context, args *Args) error        { return f(ctx, args) }
func (f StageFunc) Parse(ctx context.Context, args *Args) error        { return f(ctx, args) }
func (f StageFunc) Merge(ctx context.Context, args *Args) error        { return f(ctx, args) }

type stage struct {
	name string
	run  func(ctx context.Context, args *Args) error
}

func (p Pipeline) stages() []stage {
	out := make([]stage, 0, 4)
	if p.Request != nil {
		out = append(out, stage{"request", p.Request.BuildRequest})
	}
	if p.Fetch != nil {
		out = append(out, stage{"fetch", p.Fetch.Fetch})
	}
	if p.Parse != nil {
		out = append(out, stage{"parse", p.Parse.Parse})
	}
	if p.Merge != nil {
		out = append(out, stage{"merge", p.Merge.Merge})
	}
	return out
}
