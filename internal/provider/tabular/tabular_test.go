package tabular

import (
	"strings"
	"testing"
)

func TestParseRows(t *testing.T) {
	t.Run("parses header and rows", func(t *testing.T) {
		rows, err := ParseRows("email,name,vip\na@example.com,Alice,true\nb@example.com,Bob,false\n")
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(rows))
		}
		if rows[0]["email"] != "a@example.com" || rows[0]["name"] != "Alice" {
			t.Errorf("unexpected first row: %v", rows[0])
		}
		if rows[1]["vip"] != "false" {
			t.Errorf("unexpected second row: %v", rows[1])
		}
	})

	t.Run("ragged rows fail the whole parse", func(t *testing.T) {
		_, err := ParseRows("a,b\n1,2\n3\n")
		if err == nil {
			t.Fatal("expected error for ragged csv")
		}
	})

	t.Run("empty blob has no header", func(t *testing.T) {
		if _, err := ParseRows(""); err == nil {
			t.Fatal("expected error for empty csv")
		}
	})

	t.Run("header only yields zero rows", func(t *testing.T) {
		rows, err := ParseRows("email,name\n")
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 0 {
			t.Errorf("expected 0 rows, got %d", len(rows))
		}
	})
}

func TestBuildEntries(t *testing.T) {
	row := Row{"email": "a@example.com", "seats": "3", "vip": "true", "note": "hi"}
	req := Requester{Email: "login@example.com", SemaphoreID: "12345"}

	t.Run("applies each source kind", func(t *testing.T) {
		entries, err := BuildEntries(row, req, map[string]OutputColumn{
			"fixed":    {Source: "configured", Type: "string", Value: "badge"},
			"note":     {Source: "input", Type: "string", InputColumn: "note"},
			"whoEmail": {Source: "credentialEmail", Type: "string"},
			"whoSema":  {Source: "credentialSemaphoreID", Type: "cryptographic"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if entries["fixed"] != "badge" || entries["note"] != "hi" {
			t.Errorf("unexpected entries: %v", entries)
		}
		if entries["whoEmail"] != "login@example.com" {
			t.Errorf("expected requester email, got %v", entries["whoEmail"])
		}
		if entries["whoSema"] != "12345" {
			t.Errorf("expected semaphore id as string, got %v", entries["whoSema"])
		}
	})

	t.Run("coerces int and boolean", func(t *testing.T) {
		entries, err := BuildEntries(row, req, map[string]OutputColumn{
			"seats": {Source: "input", Type: "int", InputColumn: "seats"},
			"vip":   {Source: "input", Type: "boolean", InputColumn: "vip"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if entries["seats"] != int64(3) {
			t.Errorf("expected int64(3), got %T %v", entries["seats"], entries["seats"])
		}
		if entries["vip"] != true {
			t.Errorf("expected true, got %v", entries["vip"])
		}
	})

	t.Run("bad coercion names the output", func(t *testing.T) {
		_, err := BuildEntries(row, req, map[string]OutputColumn{
			"seats": {Source: "input", Type: "int", InputColumn: "note"},
		})
		if err == nil || !strings.Contains(err.Error(), `output "seats"`) {
			t.Errorf("expected named coercion error, got %v", err)
		}
	})

	t.Run("missing input column is an error", func(t *testing.T) {
		_, err := BuildEntries(row, req, map[string]OutputColumn{
			"x": {Source: "input", Type: "string", InputColumn: "nope"},
		})
		if err == nil || !strings.Contains(err.Error(), "not present") {
			t.Errorf("expected missing-column error, got %v", err)
		}
	})

	t.Run("unknown source and type are errors", func(t *testing.T) {
		if _, err := BuildEntries(row, req, map[string]OutputColumn{
			"x": {Source: "mystery", Type: "string"},
		}); err == nil {
			t.Error("expected error for unknown source")
		}
		if _, err := BuildEntries(row, req, map[string]OutputColumn{
			"x": {Source: "configured", Type: "mystery", Value: "v"},
		}); err == nil {
			t.Error("expected error for unknown type")
		}
	})
}
