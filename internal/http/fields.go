package http

import "github.com/cometa-rocks/wsrelay/internal/service"

type fieldKind int

const (
	kindInt fieldKind = iota
	kindNumber
	kindString
	kindBool
	kindStructured
	kindAny
)

type fieldSpec struct {
	name     string
	kind     fieldKind
	required bool
	// nullable fields must be present but may be JSON null, kept as nil.
	nullable bool
}

func required(name string, kind fieldKind) fieldSpec { return fieldSpec{name, kind, true, false} }
func optional(name string, kind fieldKind) fieldSpec { return fieldSpec{name, kind, false, false} }
func nullable(name string, kind fieldKind) fieldSpec { return fieldSpec{name, kind, true, true} }

func (p *payload) apply(specs []fieldSpec) {
	for _, f := range specs {
		if f.nullable && p.isNull(f.name) {
			p.seen[f.name] = true
			p.out[f.name] = nil
			continue
		}
		switch f.kind {
		case kindInt:
			p.Int(f.name, f.required)
		case kindNumber:
			p.Number(f.name, f.required)
		case kindString:
			p.String(f.name, f.required)
		case kindBool:
			p.Bool(f.name, f.required)
		case kindStructured:
			p.Structured(f.name, f.required)
		default:
			p.Any(f.name, f.required)
		}
	}
}

func join(groups ...[]fieldSpec) []fieldSpec {
	var out []fieldSpec
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

var (
	runStartFields = []fieldSpec{
		required("run_id", kindInt),
		required("feature_result_id", kindInt),
		required("browser_info", kindStructured),
		required("datetime", kindString),
		required("pid", kindInt),
		required("user_id", kindInt),
	}
	stepFields = []fieldSpec{
		required("run_id", kindInt),
		required("feature_result_id", kindInt),
		required("step_name", kindString),
		required("step_index", kindInt),
		required("datetime", kindString),
		optional("browser_info", kindStructured),
	}
)

// lifecycleFields lists the body fields accepted for each lifecycle event.
var lifecycleFields = map[service.Event][]fieldSpec{
	service.EventQueued:       runStartFields,
	service.EventInitializing: runStartFields,
	service.EventStarted:      join(runStartFields, []fieldSpec{optional("start_datetime", kindString)}),
	service.EventStepBegin:    stepFields,
	service.EventStepDetail: join(stepFields, []fieldSpec{
		required("info", kindAny),
		optional("screenshots", kindStructured),
	}),
	service.EventStepFinished: join(stepFields, []fieldSpec{
		required("step_result_info", kindStructured),
		required("step_time", kindNumber),
		nullable("error", kindString),
		required("status", kindString),
		nullable("screenshots", kindStructured),
		required("vulnerable_headers_count", kindInt),
		required("mobiles_info", kindStructured),
	}),
	service.EventFinished: {
		required("run_id", kindInt),
		required("feature_result_id", kindInt),
		required("datetime", kindString),
		required("feature_result_info", kindStructured),
		required("total_time", kindNumber),
		optional("browser_info", kindStructured),
	},
	service.EventRunCompleted: {
		required("run_id", kindInt),
		required("datetime", kindString),
	},
	service.EventKilled: {
		optional("run_id", kindInt),
		optional("datetime", kindString),
	},
	service.EventError: {
		required("run_id", kindInt),
		required("feature_result_id", kindInt),
		required("error", kindString),
		required("datetime", kindString),
		optional("browser_info", kindStructured),
	},
}

// dataDrivenMetricFields may be posted at the top level of a data-driven
// status update as well as inside "metrics".
var dataDrivenMetricFields = []fieldSpec{
	optional("status", kindString),
	optional("total", kindInt),
	optional("ok", kindInt),
	optional("fails", kindInt),
	optional("skipped", kindInt),
	optional("execution_time", kindNumber),
	optional("pixel_diff", kindNumber),
}
