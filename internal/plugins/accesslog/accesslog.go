// Package accesslog is a bundled plugin that reports every finished request.
package accesslog

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/internal/pipeline"
	"github.com/celerix-dev/celerix-web/internal/plugin"
	"github.com/celerix-dev/celerix-web/pkg/schema"
)

// ID is the catalog id.
const ID = "accesslog"

// Name is the descriptor name.
const Name = "celerix.plugins.accesslog"

const startKey = "accesslog.start"

// Sink receives access records.
type Sink interface {
	Record(rec schema.AccessRecord)
}

// LogSink writes records to a logger.
type LogSink struct {
	Logger pslog.Logger
}

func (s LogSink) Record(rec schema.AccessRecord) {
	logging.EnsureLogger(s.Logger).Info("access",
		"target", rec.Target, "method", rec.Method, "path", rec.Path,
		"status", rec.Status, "elapsed", rec.Elapsed, "actor", rec.Actor)
}

type accessLog struct {
	sink    Sink
	now     func() time.Time
	exclude []string
}

// Factory returns the plugin factory writing to sink.
func Factory(sink Sink) plugin.Factory {
	return func() plugin.Plugin { return &accessLog{sink: sink, now: time.Now} }
}

func (p *accessLog) Manifest() plugin.Manifest {
	m := plugin.Manifest{
		Name:          Name,
		Title:         "Access log",
		Description:   "Records method, path, status and latency of every request.",
		DefaultConfig: map[string]any{"exclude": []any{}},
	}
	m.Bind(pipeline.OnInit, "start", pipeline.Wildcard)
	m.Bind(pipeline.OnFinish, "finish", pipeline.Wildcard)
	return m
}

// Configure reads the exclude list of target patterns.
func (p *accessLog) Configure(config map[string]any) {
	p.exclude = p.exclude[:0]
	list, _ := config["exclude"].([]any)
	for _, v := range list {
		if s, ok := v.(string); ok {
			p.exclude = append(p.exclude, s)
		}
	}
}

func (p *accessLog) Callback(name string) (pipeline.HandlerFunc, bool) {
	switch name {
	case "start":
		return p.start, true
	case "finish":
		return p.finish, true
	}
	return nil, false
}

func (p *accessLog) start(_ context.Context, ec *pipeline.Context) (pipeline.Result, error) {
	if ec.Values != nil {
		ec.Values[startKey] = p.now()
	}
	return pipeline.Continue, nil
}

func (p *accessLog) finish(_ context.Context, ec *pipeline.Context) (pipeline.Result, error) {
	for _, pattern := range p.exclude {
		if pipeline.Match(pattern, ec.Target) {
			return pipeline.Continue, nil
		}
	}
	rec := schema.AccessRecord{Timestamp: p.now(), Target: ec.Target}
	if started, ok := ec.Values[startKey].(time.Time); ok {
		rec.Elapsed = rec.Timestamp.Sub(started)
	}
	if ec.Request != nil {
		rec.Method = ec.Request.Method
		rec.Path = ec.Request.URL.Path
	}
	if w, ok := ec.Writer.(interface{ Status() int }); ok {
		rec.Status = w.Status()
	}
	if u, ok := ec.Session[schema.CurrentUserKey].(map[string]any); ok {
		rec.Actor, _ = u["username"].(string)
	}
	p.sink.Record(rec)
	return pipeline.Continue, nil
}
