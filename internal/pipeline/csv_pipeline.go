package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gatefeed/pipeline-core/internal/provider/tabular"
)

// csvNamespace scopes deterministic row ids so the same row keeps the same
// atom id across loads.
var csvNamespace = uuid.MustParse("b7a2c7de-8f1e-4a85-a5c0-4f4a4f1de0aa")

// csvPipeline serves user-uploaded tabular data. Load has no network fetch;
// it re-parses the stored blob so edits to the upload take effect on the next
// cycle.
type csvPipeline struct {
	id      string
	opts    *CSVOptions
	atoms   AtomStore
	logger  *slog.Logger
	stopped atomic.Bool
}

func newCSVPipeline(def *Definition, deps Deps) (*csvPipeline, error) {
	opts := def.Options.CSV
	if opts == nil {
		return nil, fmt.Errorf("pipeline %s: csv options missing", def.ID)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("pipeline %s: invalid csv options: %w", def.ID, err)
	}
	return &csvPipeline{
		id:     def.ID,
		opts:   opts,
		atoms:  deps.Atoms,
		logger: deps.logger().With("pipeline", def.ID, "type", TypeCSV),
	}, nil
}

func (p *csvPipeline) ID() string { return p.id }

func (p *csvPipeline) Load(ctx context.Context) (*LoadResult, error) {
	if p.stopped.Load() {
		return nil, fmt.Errorf("pipeline %s: instance is stopped", p.id)
	}

	logs := NewLogCollector()

	rows, err := tabular.ParseRows(p.opts.CSV)
	if err != nil {
		logs.Error(err.Error())
		return &LoadResult{Logs: logs.Logs()}, err
	}

	atoms := make([]Atom, 0, len(rows))
	for i, row := range rows {
		if blankRow(row) {
			logs.Warn(fmt.Sprintf("row %d is empty, skipping", i+1))
			continue
		}
		data := make(map[string]any, len(row))
		for k, v := range row {
			data[k] = v
		}
		atoms = append(atoms, Atom{
			ID:         uuid.NewSHA1(csvNamespace, []byte(p.id+":"+strconv.Itoa(i))).String(),
			PipelineID: p.id,
			Email:      row["email"],
			Data:       data,
		})
	}

	if err := p.atoms.Save(ctx, p.id, atoms); err != nil {
		logs.Error(fmt.Sprintf("saving atoms: %v", err))
		return &LoadResult{Logs: logs.Logs()}, fmt.Errorf("save atoms: %w", err)
	}

	logs.Info(fmt.Sprintf("parsed %d rows into atoms", len(rows)))
	// Every parsed row is expected; skipped blank rows show up as an
	// expected/loaded mismatch.
	return &LoadResult{
		AtomsExpected: len(rows),
		AtomsLoaded:   len(atoms),
		Logs:          logs.Logs(),
	}, nil
}

// blankRow reports whether every value in the row is empty.
func blankRow(row tabular.Row) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}

func (p *csvPipeline) Stop() {
	p.stopped.Store(true)
}

func (p *csvPipeline) Capabilities() []Capability {
	return []Capability{
		&csvFeed{p: p},
	}
}

// csvFeed issues one payload per matching row, applying the definition's
// output-column rules so the issued entries can include requester identity.
type csvFeed struct {
	p *csvPipeline
}

func (f *csvFeed) Type() CapabilityType { return CapabilityFeed }

func (f *csvFeed) Issue(ctx context.Context, req *FeedRequest) ([]FeedAction, error) {
	all, err := f.p.atoms.Load(ctx, f.p.id)
	if err != nil {
		return nil, err
	}

	requester := tabular.Requester{
		Email:       req.Requester.Email,
		SemaphoreID: req.Requester.SemaphoreID,
	}

	var actions []FeedAction
	for _, a := range all {
		if a.Email == "" || a.Email != req.Requester.Email {
			continue
		}

		entries := make(map[string]any, len(a.Data))
		if len(f.p.opts.OutputColumns) > 0 {
			row := make(tabular.Row, len(a.Data))
			for k, v := range a.Data {
				if s, ok := v.(string); ok {
					row[k] = s
				}
			}
			outputs := make(map[string]tabular.OutputColumn, len(f.p.opts.OutputColumns))
			for name, col := range f.p.opts.OutputColumns {
				outputs[name] = tabular.OutputColumn{
					Source:      col.Source,
					Type:        col.Type,
					Value:       col.Value,
					InputColumn: col.InputColumn,
				}
			}
			entries, err = tabular.BuildEntries(row, requester, outputs)
			if err != nil {
				return nil, fmt.Errorf("atom %s: %w", a.ID, err)
			}
		} else {
			for k, v := range a.Data {
				entries[k] = v
			}
		}

		actions = append(actions, FeedAction{AtomID: a.ID, Entries: entries})
	}
	return actions, nil
}
