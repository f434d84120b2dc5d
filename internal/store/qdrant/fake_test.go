package qdrant

import (
	"context"
	"sort"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeQdrant is an in-memory stand-in for the subset of the Qdrant API the
// store calls. Scores are raw dot products, as with Distance_Dot.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]map[string]*qdrant.PointStruct
	aliases     map[string]string

	healthErr  error
	queryErrs  []error // returned in order before queries succeed
	queryCalls int
	onQuery    func(*qdrant.QueryPoints)
	closed     bool
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{
		collections: make(map[string]map[string]*qdrant.PointStruct),
		aliases:     make(map[string]string),
	}
}

func (f *fakeQdrant) HealthCheck(_ context.Context) (*qdrant.HealthCheckReply, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return &qdrant.HealthCheckReply{Title: "fake", Version: "1.16.2"}, nil
}

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[req.GetCollectionName()]; ok {
		return status.Error(codes.AlreadyExists, "collection exists")
	}
	f.collections[req.GetCollectionName()] = make(map[string]*qdrant.PointStruct)
	return nil
}

func (f *fakeQdrant) CollectionExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok, nil
}

func (f *fakeQdrant) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	for alias, target := range f.aliases {
		if target == name {
			delete(f.aliases, alias)
		}
	}
	return nil
}

func (f *fakeQdrant) ListCollections(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.collections))
	for name := range f.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeQdrant) ListAliases(_ context.Context) ([]*qdrant.AliasDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*qdrant.AliasDescription, 0, len(f.aliases))
	for alias, target := range f.aliases {
		out = append(out, &qdrant.AliasDescription{AliasName: alias, CollectionName: target})
	}
	return out, nil
}

func (f *fakeQdrant) UpdateAliases(_ context.Context, actions []*qdrant.AliasOperations) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]string, len(f.aliases))
	for k, v := range f.aliases {
		next[k] = v
	}
	for _, a := range actions {
		switch {
		case a.GetDeleteAlias() != nil:
			name := a.GetDeleteAlias().GetAliasName()
			if _, ok := next[name]; !ok {
				return status.Error(codes.NotFound, "alias not found")
			}
			delete(next, name)
		case a.GetCreateAlias() != nil:
			c := a.GetCreateAlias()
			if _, ok := f.collections[c.GetCollectionName()]; !ok {
				return status.Error(codes.NotFound, "collection not found")
			}
			if _, ok := next[c.GetAliasName()]; ok {
				return status.Error(codes.AlreadyExists, "alias exists")
			}
			next[c.GetAliasName()] = c.GetCollectionName()
		}
	}
	f.aliases = next
	return nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	points, ok := f.collections[req.GetCollectionName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "collection not found")
	}
	for _, p := range req.GetPoints() {
		points[p.GetId().GetUuid()] = p
	}
	return &qdrant.UpdateResult{Status: qdrant.UpdateStatus_Completed}, nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queryCalls++
	if f.onQuery != nil {
		f.onQuery(req)
	}
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		return nil, err
	}

	name := req.GetCollectionName()
	if target, ok := f.aliases[name]; ok {
		name = target
	}
	points, ok := f.collections[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "collection not found")
	}

	q := req.GetQuery().GetNearest().GetDense().GetData()
	scored := make([]*qdrant.ScoredPoint, 0, len(points))
	for _, p := range points {
		v := p.GetVectors().GetVector().GetDense().GetData()
		var score float32
		for i := range q {
			score += q[i] * v[i]
		}
		scored = append(scored, &qdrant.ScoredPoint{Id: p.GetId(), Payload: p.GetPayload(), Score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if limit := int(req.GetLimit()); limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (f *fakeQdrant) Count(_ context.Context, req *qdrant.CountPoints) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	points, ok := f.collections[req.GetCollectionName()]
	if !ok {
		return 0, status.Error(codes.NotFound, "collection not found")
	}
	return uint64(len(points)), nil
}

func (f *fakeQdrant) Close() error {
	f.closed = true
	return nil
}
