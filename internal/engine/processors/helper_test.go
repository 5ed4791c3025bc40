package processors

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/macrea/crmbatch/internal/crm"
)

// fakeCRM is an in-memory crm.API double recording every call
type fakeCRM struct {
	mu sync.Mutex

	// leads maps lead id to its current attributes
	leads map[string]map[string]string
	// emails maps tenant+email to an existing lead id
	emails map[string]string

	upserts []map[string]string
	updates []string
	deletes []string

	// missingIDs answer with a 404 APIError
	missingIDs map[string]bool
	// failAll makes every mutation fail with a 500 APIError
	failAll bool
	// searchResult is returned by FindLeadIDs
	searchResult []string
	searchErr    error
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		leads:      make(map[string]map[string]string),
		emails:     make(map[string]string),
		missingIDs: make(map[string]bool),
	}
}

func (f *fakeCRM) serverError() error {
	return &crm.APIError{Code: "internal", Message: "boom", Status: http.StatusInternalServerError}
}

func (f *fakeCRM) notFound() error {
	return &crm.APIError{Code: "notFound", Message: "no such record", Status: http.StatusNotFound}
}

func (f *fakeCRM) UpsertLead(_ context.Context, tenantID string, fields map[string]string) (*crm.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, f.serverError()
	}
	f.upserts = append(f.upserts, fields)

	key := tenantID + "/" + fields[crm.EmailAttribute]
	id, ok := f.emails[key]
	if !ok {
		id = fmt.Sprintf("lead-%d", len(f.leads)+1)
		f.emails[key] = id
	}
	f.leads[id] = fields
	return &crm.Lead{ID: id}, nil
}

func (f *fakeCRM) UpdateLead(_ context.Context, id string, fields map[string]string) (*crm.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, f.serverError()
	}
	if f.missingIDs[id] {
		return nil, f.notFound()
	}
	f.updates = append(f.updates, id)
	f.leads[id] = fields
	return &crm.Lead{ID: id}, nil
}

func (f *fakeCRM) DeleteLead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return f.serverError()
	}
	if f.missingIDs[id] {
		return f.notFound()
	}
	f.deletes = append(f.deletes, id)
	delete(f.leads, id)
	return nil
}

func (f *fakeCRM) FindLeadIDs(_ context.Context, _ string, _ map[string]string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchResult, nil
}
