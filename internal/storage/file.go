package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	logx "flowpulse/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <path>                     (workflow document, rewritten atomically)
//   - <prefix>.dispatch.jsonl    (append-only dispatch journal)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	docPath     string
	journalFile *os.File
	workflows   map[string]Workflow
}

type fileDoc struct {
	Workflows []Workflow `json:"workflows"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	wfs := map[string]Workflow{}
	if err := loadDoc(path, wfs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(prefix+".dispatch.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", path), logx.Int("workflows", len(wfs)))
	return &fileStore{
		log:         log,
		docPath:     path,
		journalFile: jf,
		workflows:   wfs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) ListScheduled(ctx context.Context) ([]Workflow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		if w.Schedule != nil {
			out = append(out, cloneWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[strings.TrimSpace(id)]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return cloneWorkflow(w), nil
}

func (s *fileStore) PutWorkflow(ctx context.Context, w Workflow) error {
	_ = ctx
	w.ID = strings.TrimSpace(w.ID)
	if w.ID == "" {
		return errors.New("workflow id required")
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.workflows[w.ID]
	s.workflows[w.ID] = cloneWorkflow(w)
	if err := s.writeDocLocked(); err != nil {
		if had {
			s.workflows[w.ID] = prev
		} else {
			delete(s.workflows, w.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) SetSchedule(ctx context.Context, id string, expr *string) error {
	_ = ctx
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	next := cloneWorkflow(prev)
	next.Schedule = cloneStr(expr)
	next.UpdatedAt = time.Now()
	s.workflows[id] = next
	if err := s.writeDocLocked(); err != nil {
		s.workflows[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendDispatch(ctx context.Context, r DispatchRecord) error {
	_ = ctx
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("dispatch journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	return nil
}

// writeDocLocked rewrites the workflow document via tmp + rename.
func (s *fileStore) writeDocLocked() error {
	doc := fileDoc{Workflows: make([]Workflow, 0, len(s.workflows))}
	for _, w := range s.workflows {
		doc.Workflows = append(doc.Workflows, w)
	}
	sort.Slice(doc.Workflows, func(i, j int) bool { return doc.Workflows[i].ID < doc.Workflows[j].ID })

	tmp := s.docPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.docPath)
}

func loadDoc(path string, out map[string]Workflow) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var doc fileDoc
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return err
	}
	for _, w := range doc.Workflows {
		id := strings.TrimSpace(w.ID)
		if id == "" {
			continue
		}
		w.ID = id
		out[id] = w
	}
	return nil
}

func cloneWorkflow(w Workflow) Workflow {
	w.Schedule = cloneStr(w.Schedule)
	return w
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
