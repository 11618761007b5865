package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"metagraph/api/internal/util"
)

// MemoryStore keeps every snapshot in process memory. Transactions are
// serialized and roll back by restoring a copy of the state.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	docs        map[string]*Document
	files       map[string]File
	legacy      map[string]string
	annotations []Annotation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memoryState{
		docs:   make(map[string]*Document),
		files:  make(map[string]File),
		legacy: make(map[string]string),
	}}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		docs:        make(map[string]*Document, len(s.docs)),
		files:       make(map[string]File, len(s.files)),
		legacy:      make(map[string]string, len(s.legacy)),
		annotations: slices.Clone(s.annotations),
	}
	for id, doc := range s.docs {
		out.docs[id] = doc.Clone()
	}
	for id, file := range s.files {
		out.files[id] = file
	}
	for oldUUID, newUUID := range s.legacy {
		out.legacy[oldUUID] = newUUID
	}
	return out
}

func (s *MemoryStore) WithTx(ctx context.Context, fn TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.state.clone()
	if err := fn(&memoryTx{state: &s.state}); err != nil {
		s.state = backup
		return err
	}
	if err := ctx.Err(); err != nil {
		s.state = backup
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Snapshots returns every stored snapshot of uuid, drafts included.
func (s *MemoryStore) Snapshots(kind Kind, uuid string) []*Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Document
	for _, doc := range s.state.docs {
		if doc.Kind == kind && doc.UUID == uuid {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionID < out[j].VersionID })
	return out
}

func (s *MemoryStore) LatestPersistedAll(_ context.Context, kind Kind) ([]*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := map[string]*Document{}
	for _, doc := range s.state.docs {
		if doc.Kind != kind || doc.PersistDate == nil {
			continue
		}
		if current, ok := latest[doc.UUID]; !ok || newerPersisted(doc, current) {
			latest[doc.UUID] = doc
		}
	}
	out := make([]*Document, 0, len(latest))
	for _, doc := range latest {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (s *MemoryStore) RegisterLegacy(_ context.Context, oldUUID, newUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.state.legacy[oldUUID]; ok && existing != newUUID {
		return fmt.Errorf("legacy id %s already mapped to %s", oldUUID, existing)
	}
	s.state.legacy[oldUUID] = newUUID
	return nil
}

func (s *MemoryStore) LegacyNewFor(_ context.Context, oldUUID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.legacy[oldUUID], nil
}

func (s *MemoryStore) PutAnnotation(_ context.Context, annotation Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.state.annotations {
		if existing.DocumentUUID == annotation.DocumentUUID && existing.FieldUUID == annotation.FieldUUID && existing.Plugin == annotation.Plugin {
			s.state.annotations[i] = annotation
			return nil
		}
	}
	s.state.annotations = append(s.state.annotations, annotation)
	return nil
}

func (s *MemoryStore) AnnotationsFor(_ context.Context, documentUUIDs []string) ([]Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Annotation
	for _, annotation := range s.state.annotations {
		if slices.Contains(documentUUIDs, annotation.DocumentUUID) {
			out = append(out, annotation)
		}
	}
	return out, nil
}

func (s *MemoryStore) SearchPersisted(_ context.Context, query string, kind Kind, limit int) ([]*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := strings.ToLower(strings.TrimSpace(query))
	latest := map[string]*Document{}
	for _, doc := range s.state.docs {
		if doc.PersistDate == nil || (kind != "" && doc.Kind != kind) {
			continue
		}
		key := string(doc.Kind) + ":" + doc.UUID
		if current, ok := latest[key]; !ok || newerPersisted(doc, current) {
			latest[key] = doc
		}
	}
	var out []*Document
	for _, doc := range latest {
		haystack := strings.ToLower(doc.Name + " " + doc.Description)
		if needle == "" || strings.Contains(haystack, needle) {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionID > out[j].VersionID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) Draft(ctx context.Context, kind Kind, uuid string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, doc := range t.state.docs {
		if doc.Kind == kind && doc.UUID == uuid && doc.PersistDate == nil {
			return doc.Clone(), nil
		}
	}
	return nil, nil
}

func (t *memoryTx) LatestPersisted(ctx context.Context, kind Kind, uuid string) (*Document, error) {
	return t.latestPersisted(kind, uuid, nil)
}

func (t *memoryTx) LatestPersistedBefore(_ context.Context, kind Kind, uuid string, at time.Time) (*Document, error) {
	return t.latestPersisted(kind, uuid, &at)
}

func (t *memoryTx) latestPersisted(kind Kind, uuid string, at *time.Time) (*Document, error) {
	var latest *Document
	for _, doc := range t.state.docs {
		if doc.Kind != kind || doc.UUID != uuid || doc.PersistDate == nil {
			continue
		}
		if at != nil && doc.PersistDate.After(*at) {
			continue
		}
		if latest == nil || newerPersisted(doc, latest) {
			latest = doc
		}
	}
	return latest.Clone(), nil
}

func newerPersisted(a, b *Document) bool {
	if !a.PersistDate.Equal(*b.PersistDate) {
		return a.PersistDate.After(*b.PersistDate)
	}
	return a.VersionID > b.VersionID
}

func (t *memoryTx) Version(_ context.Context, kind Kind, versionID string) (*Document, error) {
	doc, ok := t.state.docs[versionID]
	if !ok || doc.Kind != kind {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (t *memoryTx) Exists(_ context.Context, kind Kind, uuid string) (bool, error) {
	for _, doc := range t.state.docs {
		if doc.Kind == kind && doc.UUID == uuid {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) SaveDraft(ctx context.Context, doc *Document) error {
	if doc.PersistDate != nil {
		return fmt.Errorf("save draft %s: snapshot carries a persist date", doc.UUID)
	}
	existing, err := t.Draft(ctx, doc.Kind, doc.UUID)
	if err != nil {
		return err
	}
	if existing != nil {
		doc.VersionID = existing.VersionID
	} else {
		doc.VersionID = util.NewVersionID()
	}
	t.state.docs[doc.VersionID] = doc.Clone()
	return nil
}

func (t *memoryTx) Persist(_ context.Context, doc *Document) error {
	if doc.PersistDate == nil {
		return fmt.Errorf("persist %s: missing persist date", doc.UUID)
	}
	current, ok := t.state.docs[doc.VersionID]
	if !ok || current.PersistDate != nil || current.UUID != doc.UUID || current.Kind != doc.Kind {
		return fmt.Errorf("persist %s %s: %w", doc.Kind, doc.UUID, ErrNoDraft)
	}
	t.state.docs[doc.VersionID] = doc.Clone()
	return nil
}

func (t *memoryTx) DeleteDraft(_ context.Context, kind Kind, uuid string) (bool, error) {
	deleted := false
	for id, doc := range t.state.docs {
		if doc.Kind == kind && doc.UUID == uuid && doc.PersistDate == nil {
			delete(t.state.docs, id)
			deleted = true
		}
	}
	return deleted, nil
}

func (t *memoryTx) PersistedVersions(_ context.Context, kind Kind, uuid string, limit int) ([]string, error) {
	var persisted []*Document
	for _, doc := range t.state.docs {
		if doc.Kind == kind && doc.UUID == uuid && doc.PersistDate != nil {
			persisted = append(persisted, doc)
		}
	}
	sort.Slice(persisted, func(i, j int) bool { return newerPersisted(persisted[i], persisted[j]) })
	var out []string
	for _, doc := range persisted {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, doc.VersionID)
	}
	return out, nil
}

func (t *memoryTx) ReferencingTemplates(_ context.Context, kind Kind, versionIDs []string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, doc := range t.state.docs {
		if doc.Kind != KindTemplate {
			continue
		}
		refs := doc.Related
		if kind == KindTemplateField {
			refs = doc.Fields
		}
		for _, ref := range refs {
			if !slices.Contains(versionIDs, ref) {
				continue
			}
			if _, ok := seen[doc.UUID]; !ok {
				seen[doc.UUID] = struct{}{}
				out = append(out, doc.UUID)
			}
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memoryTx) PersistedUUIDs(_ context.Context, kind Kind) ([]string, error) {
	return t.persistedUUIDs(func(doc *Document) bool { return doc.Kind == kind }), nil
}

func (t *memoryTx) PinnedRecords(_ context.Context, datasetVersionIDs []string) ([]string, error) {
	return t.persistedUUIDs(func(doc *Document) bool {
		return doc.Kind == KindRecord && slices.Contains(datasetVersionIDs, doc.Ancestor)
	}), nil
}

func (t *memoryTx) persistedUUIDs(match func(*Document) bool) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, doc := range t.state.docs {
		if doc.PersistDate == nil || !match(doc) {
			continue
		}
		if _, ok := seen[doc.UUID]; !ok {
			seen[doc.UUID] = struct{}{}
			out = append(out, doc.UUID)
		}
	}
	sort.Strings(out)
	return out
}

func (t *memoryTx) InsertFile(_ context.Context, file File) error {
	if _, ok := t.state.files[file.UUID]; ok {
		return fmt.Errorf("insert file %s: already exists", file.UUID)
	}
	t.state.files[file.UUID] = file
	return nil
}

func (t *memoryTx) GetFile(_ context.Context, uuid string) (*File, error) {
	file, ok := t.state.files[uuid]
	if !ok {
		return nil, nil
	}
	return &file, nil
}

func (t *memoryTx) SaveFile(_ context.Context, file File) error {
	if _, ok := t.state.files[file.UUID]; !ok {
		return fmt.Errorf("save file %s: not found", file.UUID)
	}
	t.state.files[file.UUID] = file
	return nil
}

func (t *memoryTx) DeleteFile(_ context.Context, uuid string) error {
	delete(t.state.files, uuid)
	return nil
}

func (t *memoryTx) LegacyOldFor(_ context.Context, newUUID string) (string, error) {
	for oldUUID, mapped := range t.state.legacy {
		if mapped == newUUID {
			return oldUUID, nil
		}
	}
	return "", nil
}
