// Package main seeds pipeline definitions from a YAML file into the
// definition store. Intended for development and first-run provisioning:
//
//	seed -file pipelines.yaml
//
// Each entry is upserted as its owner, so ownership checks pass.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gatefeed/pipeline-core/internal/config"
	"github.com/gatefeed/pipeline-core/internal/pipeline"
	"github.com/gatefeed/pipeline-core/internal/store"
)

func main() {
	file := flag.String("file", "pipelines.yaml", "YAML file of pipeline definitions")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if cfg.DB.DSN == "" {
		log.Fatal("no database configured; set GATEFEED_DB_DSN or db.dsn")
	}

	defs, err := readDefinitions(*file)
	if err != nil {
		log.Fatalf("reading %s: %v", *file, err)
	}

	st, err := store.NewPostgresDefinitionStore(cfg.DB.DSN)
	if err != nil {
		log.Fatalf("connecting definition store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for _, def := range defs {
		if err := st.Upsert(ctx, def, def.OwnerUserID); err != nil {
			log.Fatalf("upserting pipeline %q: %v", def.ID, err)
		}
		log.Printf("seeded pipeline id=%s type=%s owner=%s", def.ID, def.Type, def.OwnerUserID)
	}
	log.Printf("seeded %d pipeline definitions", len(defs))
}

// readDefinitions parses the YAML seed file. The YAML is bridged through JSON
// so the definitions' JSON field names apply in the seed file too.
func readDefinitions(path string) ([]*pipeline.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Pipelines []map[string]any `yaml:"pipelines"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	defs := make([]*pipeline.Definition, 0, len(doc.Pipelines))
	for _, entry := range doc.Pipelines {
		bridged, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		var def pipeline.Definition
		if err := json.Unmarshal(bridged, &def); err != nil {
			return nil, err
		}
		defs = append(defs, &def)
	}
	return defs, nil
}
