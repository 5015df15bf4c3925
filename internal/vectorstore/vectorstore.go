// Package vectorstore implements ports.VectorStore on top of Qdrant,
// generalizing engine/semantic.VectorStore from a single fixed collection
// into a multi-collection store addressed by name per call, since the
// merge engine needs separate collections for chunks, entities, and
// relations. Point ids are deterministic per engine/ingest.go's
// uuid.NewSHA1(uuid.NameSpaceURL, ...) convention so re-embedding the same
// logical record overwrites rather than duplicates.
package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/wessley-mvp/internal/ports"
)

// Store is a Qdrant-backed ports.VectorStore, lazily ensuring each
// collection it is asked to address.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	dims        int

	mu      sync.Mutex
	ensured map[string]bool
}

// New dials Qdrant at addr. dims is the fixed vector dimension used when
// lazily creating a collection.
func New(addr string, dims int) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		dims:        dims,
		ensured:     make(map[string]bool),
	}, nil
}

var _ ports.VectorStore = (*Store)(nil)

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// PointID derives the deterministic Qdrant point id for a logical record
// id (a chunk id, or an entity/relation's embedding key).
func PointID(logicalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(logicalID)).String()
}

func (s *Store) ensureCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[collection] {
		return nil
	}

	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == collection {
			s.ensured[collection] = true
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", collection, err)
	}
	s.ensured[collection] = true
	return nil
}

// Upsert stores records into collection, creating it first if needed.
func (s *Store) Upsert(ctx context.Context, collection string, records []ports.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		payload := make(map[string]*pb.Value, len(r.Metadata)+1)
		payload["logical_id"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: r.ID}}
		for k, v := range r.Metadata {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %d points into %s: %w", len(records), collection, err)
	}
	return nil
}

// Query performs k-NN similarity search, dropping results below threshold.
func (s *Store) Query(ctx context.Context, collection string, vector []float32, topK int, threshold float32) ([]ports.VectorHit, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search %s: %w", collection, err)
	}

	hits := make([]ports.VectorHit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		if r.GetScore() < threshold {
			continue
		}
		hits = append(hits, hitFromPayload(r.GetPayload(), r.GetScore()))
	}
	return hits, nil
}

// Delete removes points from collection by logical id.
func (s *Store) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}}
	}
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete %d points from %s: %w", len(ids), collection, err)
	}
	return nil
}

// GetByID fetches points from collection by logical id; missing ids are
// simply absent from the result.
func (s *Store) GetByID(ctx context.Context, collection string, ids []string) ([]ports.VectorHit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}}
	}
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: collection,
		Ids:            pointIDs,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get %d points from %s: %w", len(ids), collection, err)
	}
	hits := make([]ports.VectorHit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		hits[i] = hitFromPayload(r.GetPayload(), 0)
	}
	return hits, nil
}

func hitFromPayload(payload map[string]*pb.Value, score float32) ports.VectorHit {
	hit := ports.VectorHit{Score: score, Metadata: make(map[string]string)}
	for k, v := range payload {
		s := v.GetStringValue()
		if k == "logical_id" {
			hit.ID = s
			continue
		}
		hit.Metadata[k] = s
	}
	return hit
}

// CollectionName derives the per-kind, per-dimension collection name
// lightrag_vdb_dotnet_{base}_{dim}d. cmd/ragqueue uses it as is for the
// entity and relation collections; the orchestrator appends "_chunks" to
// the name it is given for chunk vectors, so the chunk collection name
// does not follow this pattern.
func CollectionName(base string, dims int) string {
	return fmt.Sprintf("lightrag_vdb_dotnet_%s_%dd", base, dims)
}
