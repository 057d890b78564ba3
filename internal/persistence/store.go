// Package persistence owns the orchestrator data model and the three
// versioned JSON documents it is snapshotted to: the agent registry, the task
// list and the run history.
package persistence

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Document names, shared by every backend.
const (
	DocAgents = "agents"
	DocTasks  = "tasks"
	DocRuns   = "runs"
)

// Store loads and saves the orchestrator documents. A document that has never
// been written loads as an empty document with a nil error.
type Store interface {
	LoadAgents(ctx context.Context) (AgentsDocument, error)
	SaveAgents(ctx context.Context, doc AgentsDocument) error
	LoadTasks(ctx context.Context) (TasksDocument, error)
	SaveTasks(ctx context.Context, doc TasksDocument) error
	LoadRuns(ctx context.Context) (RunsDocument, error)
	SaveRuns(ctx context.Context, doc RunsDocument) error
	// Quarantine copies the stored bytes of the named document to a new
	// document and returns the new name. The original is left in place.
	Quarantine(ctx context.Context, name string) (string, error)
	Close() error
}

// ErrCorruptDocument marks a document that was read but failed schema
// validation or decoding.
var ErrCorruptDocument = errors.New("corrupt document")

// backend moves raw document bytes. read returns nil, nil when the document
// does not exist yet.
type backend interface {
	read(ctx context.Context, name string) ([]byte, error)
	write(ctx context.Context, name string, data []byte) error
}

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, 3)
		for _, name := range []string{DocAgents, DocTasks, DocRuns} {
			raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
			if err != nil {
				schemaErr = fmt.Errorf("read %s schema: %w", name, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("unmarshal %s schema: %w", name, err)
				return
			}
			url := name + ".schema.json"
			if err := c.AddResource(url, doc); err != nil {
				schemaErr = fmt.Errorf("add %s schema resource: %w", name, err)
				return
			}
			compiled, err := c.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("compile %s schema: %w", name, err)
				return
			}
			out[name] = compiled
		}
		schemas = out
	})
	return schemas, schemaErr
}

// ValidateDocument checks raw document bytes against the embedded schema for
// the named document.
func ValidateDocument(name string, data []byte) error {
	compiled, err := compileSchemas()
	if err != nil {
		return err
	}
	schema, ok := compiled[name]
	if !ok {
		return fmt.Errorf("unknown document %q", name)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse %s document: %w", name, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("validate %s document: %w", name, err)
	}
	return nil
}

// documents implements the typed half of Store over a raw backend.
type documents struct {
	backend backend
}

func loadDocument(ctx context.Context, b backend, name string, out any) error {
	data, err := b.read(ctx, name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := ValidateDocument(name, data); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptDocument, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrCorruptDocument, name, err)
	}
	return nil
}

func saveDocument(ctx context.Context, b backend, name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := b.write(ctx, name, append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (d documents) Quarantine(ctx context.Context, name string) (string, error) {
	data, err := d.backend.read(ctx, name)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	if data == nil {
		return "", fmt.Errorf("read %s: document does not exist", name)
	}
	target := fmt.Sprintf("%s.corrupt-%d", name, time.Now().UnixNano())
	if err := d.backend.write(ctx, target, data); err != nil {
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	return target, nil
}

func (d documents) LoadAgents(ctx context.Context) (AgentsDocument, error) {
	doc := AgentsDocument{Version: DocumentVersion}
	if err := loadDocument(ctx, d.backend, DocAgents, &doc); err != nil {
		return AgentsDocument{Version: DocumentVersion, Agents: []AgentProfile{}}, err
	}
	if doc.Agents == nil {
		doc.Agents = []AgentProfile{}
	}
	return doc, nil
}

func (d documents) SaveAgents(ctx context.Context, doc AgentsDocument) error {
	doc.Version = DocumentVersion
	if doc.Agents == nil {
		doc.Agents = []AgentProfile{}
	}
	return saveDocument(ctx, d.backend, DocAgents, doc)
}

func (d documents) LoadTasks(ctx context.Context) (TasksDocument, error) {
	doc := TasksDocument{Version: DocumentVersion}
	if err := loadDocument(ctx, d.backend, DocTasks, &doc); err != nil {
		return TasksDocument{Version: DocumentVersion, Tasks: []AgentTask{}}, err
	}
	if doc.Tasks == nil {
		doc.Tasks = []AgentTask{}
	}
	return doc, nil
}

func (d documents) SaveTasks(ctx context.Context, doc TasksDocument) error {
	doc.Version = DocumentVersion
	if doc.Tasks == nil {
		doc.Tasks = []AgentTask{}
	}
	return saveDocument(ctx, d.backend, DocTasks, doc)
}

func (d documents) LoadRuns(ctx context.Context) (RunsDocument, error) {
	doc := RunsDocument{Version: DocumentVersion}
	if err := loadDocument(ctx, d.backend, DocRuns, &doc); err != nil {
		return RunsDocument{Version: DocumentVersion, Runs: []AgentRunRecord{}}, err
	}
	if doc.Runs == nil {
		doc.Runs = []AgentRunRecord{}
	}
	return doc, nil
}

func (d documents) SaveRuns(ctx context.Context, doc RunsDocument) error {
	doc.Version = DocumentVersion
	if doc.Runs == nil {
		doc.Runs = []AgentRunRecord{}
	}
	return saveDocument(ctx, d.backend, DocRuns, doc)
}
