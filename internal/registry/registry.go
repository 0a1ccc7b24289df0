// Package registry holds the registered services and whitelisted tokens the
// settlement engine reads. It is loaded from a YAML file and can follow
// changes to that file.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/pkg/types"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownService   = errors.New("unknown service")
	ErrDuplicateService = errors.New("service already registered")
	ErrInvalidService   = errors.New("invalid service")
)

// File is the on-disk registry layout.
type File struct {
	Services          []ServiceEntry `yaml:"services"`
	WhitelistedTokens []string       `yaml:"whitelisted_tokens"`
}

// ServiceEntry is one service in the registry file.
type ServiceEntry struct {
	ID             types.ServiceID `yaml:"id"`
	Fulfiller      string          `yaml:"fulfiller"`
	Beneficiary    string          `yaml:"beneficiary"`
	FeeBasisPoints uint16          `yaml:"fee_bps"`
	References     []string        `yaml:"references,omitempty"`
}

type state struct {
	services   map[types.ServiceID]types.Service
	refs       map[types.ServiceID]map[string]struct{}
	whitelist  map[common.Address]struct{}
	fulfillers map[common.Address]int
}

func newState() *state {
	return &state{
		services:   make(map[types.ServiceID]types.Service),
		refs:       make(map[types.ServiceID]map[string]struct{}),
		whitelist:  make(map[common.Address]struct{}),
		fulfillers: make(map[common.Address]int),
	}
}

// Registry is a concurrency-safe, indexed view of services and tokens.
type Registry struct {
	path string

	mu sync.RWMutex
	st *state
}

// New creates an empty registry that is not backed by a file.
func New() *Registry {
	return &Registry{st: newState()}
}

// Load reads the registry file at path. A missing file yields an empty
// registry that will be created on Save.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, st: newState()}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the backing file path, if any.
func (r *Registry) Path() string {
	return r.path
}

// Reload re-reads the backing file. On error the current state is kept.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read registry: %w", err)
	}
	st, err := parse(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.st = st
	r.mu.Unlock()

	logging.Info("registry loaded",
		logging.Component("registry"),
		"path", r.path,
		"services", len(st.services),
		"tokens", len(st.whitelist))
	return nil
}

// parse validates registry YAML and builds its indexes.
func parse(data []byte) (*state, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	st := newState()
	for _, entry := range f.Services {
		svc, err := entry.service()
		if err != nil {
			return nil, err
		}
		if err := st.add(svc, entry.References); err != nil {
			return nil, err
		}
	}
	for _, tok := range f.WhitelistedTokens {
		addr, err := parseAddress("whitelisted token", tok)
		if err != nil {
			return nil, err
		}
		st.whitelist[addr] = struct{}{}
	}
	return st, nil
}

func (e ServiceEntry) service() (types.Service, error) {
	fulfiller, err := parseAddress("fulfiller", e.Fulfiller)
	if err != nil {
		return types.Service{}, fmt.Errorf("service %d: %w", e.ID, err)
	}
	beneficiary, err := parseAddress("beneficiary", e.Beneficiary)
	if err != nil {
		return types.Service{}, fmt.Errorf("service %d: %w", e.ID, err)
	}
	return types.Service{
		ID:             e.ID,
		Fulfiller:      fulfiller,
		Beneficiary:    beneficiary,
		FeeBasisPoints: e.FeeBasisPoints,
	}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not a hex address", ErrInvalidService, field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s is the zero address", ErrInvalidService, field)
	}
	return addr, nil
}

func validate(svc types.Service) error {
	switch {
	case svc.ID == 0:
		return fmt.Errorf("%w: id must be non-zero", ErrInvalidService)
	case types.IsNullAsset(svc.Fulfiller):
		return fmt.Errorf("%w: service %d has no fulfiller", ErrInvalidService, svc.ID)
	case types.IsNullAsset(svc.Beneficiary):
		return fmt.Errorf("%w: service %d has no beneficiary", ErrInvalidService, svc.ID)
	case svc.FeeBasisPoints > types.MaxBasisPoints:
		return fmt.Errorf("%w: service %d fee %d bps exceeds %d", ErrInvalidService, svc.ID, svc.FeeBasisPoints, types.MaxBasisPoints)
	}
	return nil
}

func (st *state) add(svc types.Service, refs []string) error {
	if err := validate(svc); err != nil {
		return err
	}
	if _, exists := st.services[svc.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateService, svc.ID)
	}
	st.services[svc.ID] = svc
	st.fulfillers[svc.Fulfiller]++
	if len(refs) > 0 {
		set := make(map[string]struct{}, len(refs))
		for _, ref := range refs {
			set[ref] = struct{}{}
		}
		st.refs[svc.ID] = set
	}
	return nil
}

// Register adds a service. refs restricts the service references deposits
// may carry; an empty list accepts any reference.
func (r *Registry) Register(svc types.Service, refs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.add(svc, refs)
}

// Whitelist allows deposits in asset.
func (r *Registry) Whitelist(asset common.Address) {
	r.mu.Lock()
	r.st.whitelist[asset] = struct{}{}
	r.mu.Unlock()
}

// GetService returns the service with the given id.
func (r *Registry) GetService(id types.ServiceID) (types.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.st.services[id]
	if !ok {
		return types.Service{}, fmt.Errorf("%w: %d", ErrUnknownService, id)
	}
	return svc, nil
}

// IsWhitelisted reports whether deposits in asset are accepted.
func (r *Registry) IsWhitelisted(asset common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.st.whitelist[asset]
	return ok
}

// IsFulfiller reports whether addr is the fulfiller of any service.
func (r *Registry) IsFulfiller(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.fulfillers[addr] > 0
}

// ValidReference reports whether ref is accepted for the service.
func (r *Registry) ValidReference(id types.ServiceID, ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.st.services[id]; !ok {
		return false
	}
	set, restricted := r.st.refs[id]
	if !restricted {
		return true
	}
	_, ok := set[ref]
	return ok
}

// Services returns every service ordered by id.
func (r *Registry) Services() []types.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Service, 0, len(r.st.services))
	for _, svc := range r.st.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tokens returns the whitelisted token addresses in hex order.
func (r *Registry) Tokens() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.st.whitelist))
	for addr := range r.st.whitelist {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Snapshot returns the registry in its file layout.
func (r *Registry) Snapshot() File {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var f File
	ids := make([]types.ServiceID, 0, len(r.st.services))
	for id := range r.st.services {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		svc := r.st.services[id]
		entry := ServiceEntry{
			ID:             svc.ID,
			Fulfiller:      svc.Fulfiller.Hex(),
			Beneficiary:    svc.Beneficiary.Hex(),
			FeeBasisPoints: svc.FeeBasisPoints,
		}
		for ref := range r.st.refs[id] {
			entry.References = append(entry.References, ref)
		}
		sort.Strings(entry.References)
		f.Services = append(f.Services, entry)
	}
	for addr := range r.st.whitelist {
		f.WhitelistedTokens = append(f.WhitelistedTokens, addr.Hex())
	}
	sort.Strings(f.WhitelistedTokens)
	return f
}

// Save writes the registry to its backing file.
func (r *Registry) Save() error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	data, err := yaml.Marshal(r.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}
