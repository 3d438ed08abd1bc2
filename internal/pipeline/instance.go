package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/gatefeed/pipeline-core/internal/credential"
	"github.com/gatefeed/pipeline-core/internal/fetch"
)

// validate checks definition option structs against their declared tags.
// Invalid options are a fatal instantiation error, not a load-time failure, so
// a misconfigured pipeline is distinguishable from an upstream outage.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Deps carries the shared collaborators injected into every instance. The
// atom store is shared so atoms survive instance restarts; queues and tokens
// are shared so rate limits and grants span pipelines hitting the same
// organizer.
type Deps struct {
	Atoms  AtomStore
	Queues *fetch.QueueSet
	Tokens *credential.Cache
	Logger *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewInstance resolves the concrete adapter and normalizer for the
// definition's type. The type set is closed: an unknown type is a fatal
// instantiation error, never silently ignored.
func NewInstance(def *Definition, deps Deps) (Instance, error) {
	if def == nil {
		return nil, fmt.Errorf("nil pipeline definition")
	}
	if deps.Atoms == nil {
		return nil, fmt.Errorf("pipeline %s: atom store is required", def.ID)
	}

	switch def.Type {
	case TypeLemonade:
		return newLemonadePipeline(def, deps)
	case TypePretix:
		return newPretixPipeline(def, deps)
	case TypeCSV:
		return newCSVPipeline(def, deps)
	default:
		return nil, fmt.Errorf("unknown pipeline type %q for pipeline %s", def.Type, def.ID)
	}
}
