// Package graphstore implements ports.GraphStore on top of Neo4j, generalizing
// engine/graph.GraphStore's Component/Edge node model into a single :Entity
// label carrying arbitrary merge-engine properties (entity_type, description,
// source_id, file_path, created_at, truncate). Relation edges use a single
// RELATED relationship type rather than engine/graph's per-wire-type labels,
// since relation semantics here live entirely in edge properties.
package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/wessley-mvp/internal/ports"
)

const (
	entityLabel = "Entity"
	relatedEdge = "RELATED"
)

// Store is a Neo4j-backed ports.GraphStore.
type Store struct {
	driver neo4j.DriverWithContext
}

// New builds a Store over an already-connected Neo4j driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

var _ ports.GraphStore = (*Store)(nil)

func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{})
}

// HasNode reports whether an entity node with the given id exists.
func (s *Store) HasNode(ctx context.Context, id string) (bool, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`MATCH (n:%s {id: $id}) RETURN n LIMIT 1`, entityLabel)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	return result.Next(ctx), nil
}

// GetNode returns a single entity node by id.
func (s *Store) GetNode(ctx context.Context, id string) (ports.Node, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`MATCH (n:%s {id: $id}) RETURN n`, entityLabel)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return ports.Node{}, err
	}
	if !result.Next(ctx) {
		return ports.Node{}, fmt.Errorf("entity %s not found", id)
	}
	node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
	if err != nil {
		return ports.Node{}, err
	}
	return nodeFromProps(node.Props), nil
}

// UpsertNode merges an entity node by id, overwriting the given properties.
func (s *Store) UpsertNode(ctx context.Context, id string, props map[string]any) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`MERGE (n:%s {id: $id}) SET n += $props`, entityLabel)
	merged := make(map[string]any, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	merged["id"] = id
	_, err := sess.Run(ctx, cypher, map[string]any{"id": id, "props": merged})
	return err
}

// HasEdge reports whether a RELATED edge exists between a and b, in either
// orientation.
func (s *Store) HasEdge(ctx context.Context, a, b string) (bool, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (x:%s {id: $a})-[r:%s]-(y:%s {id: $b}) RETURN r LIMIT 1`,
		entityLabel, relatedEdge, entityLabel,
	)
	result, err := sess.Run(ctx, cypher, map[string]any{"a": a, "b": b})
	if err != nil {
		return false, err
	}
	return result.Next(ctx), nil
}

// GetEdge returns the RELATED edge between a and b.
func (s *Store) GetEdge(ctx context.Context, a, b string) (ports.Edge, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (x:%s {id: $a})-[r:%s]-(y:%s {id: $b}) RETURN r, x.id AS src, y.id AS dst`,
		entityLabel, relatedEdge, entityLabel,
	)
	result, err := sess.Run(ctx, cypher, map[string]any{"a": a, "b": b})
	if err != nil {
		return ports.Edge{}, err
	}
	if !result.Next(ctx) {
		return ports.Edge{}, fmt.Errorf("edge %s-%s not found", a, b)
	}
	return edgeFromRecord(result.Record())
}

// UpsertEdge merges a RELATED edge between a and b, overwriting properties.
func (s *Store) UpsertEdge(ctx context.Context, a, b string, props map[string]any) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (x:%s {id: $a}), (y:%s {id: $b})
		 MERGE (x)-[r:%s]-(y)
		 SET r += $props`,
		entityLabel, entityLabel, relatedEdge,
	)
	_, err := sess.Run(ctx, cypher, map[string]any{"a": a, "b": b, "props": props})
	return err
}

// GetNodesBatch returns entity nodes for the given ids, in no particular
// order; missing ids are simply absent from the result.
func (s *Store) GetNodesBatch(ctx context.Context, ids []string) ([]ports.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`MATCH (n:%s) WHERE n.id IN $ids RETURN n`, entityLabel)
	result, err := sess.Run(ctx, cypher, map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	var nodes []ports.Node
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, nodeFromProps(node.Props))
	}
	return nodes, nil
}

// GetNodeDegreesBatch returns the edge-count degree for each id, in the same
// order as ids; ids with no edges return 0.
func (s *Store) GetNodeDegreesBatch(ctx context.Context, ids []string) ([]int, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (n:%s) WHERE n.id IN $ids
		 OPTIONAL MATCH (n)-[r:%s]-()
		 RETURN n.id AS id, count(r) AS degree`,
		entityLabel, relatedEdge,
	)
	result, err := sess.Run(ctx, cypher, map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	degrees := make(map[string]int, len(ids))
	for result.Next(ctx) {
		rec := result.Record()
		idVal, _ := rec.Get("id")
		degVal, _ := rec.Get("degree")
		id, _ := idVal.(string)
		degrees[id] = int(toInt64(degVal))
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = degrees[id]
	}
	return out, nil
}

// GetNodesEdgesBatch returns, for each id, the edges touching it, in the
// same order as ids.
func (s *Store) GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]ports.Edge, error) {
	out := make([][]ports.Edge, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (n:%s)-[r:%s]-(m:%s) WHERE n.id IN $ids RETURN n.id AS id, r, n.id AS src, m.id AS dst`,
		entityLabel, relatedEdge, entityLabel,
	)
	result, err := sess.Run(ctx, cypher, map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string][]ports.Edge)
	for result.Next(ctx) {
		rec := result.Record()
		idVal, _ := rec.Get("id")
		id, _ := idVal.(string)
		edge, err := edgeFromRecord(rec)
		if err != nil {
			return nil, err
		}
		byID[id] = append(byID[id], edge)
	}
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

// GetEdgesBatch returns the RELATED edge for each requested pair, in the same
// order as pairs; pairs with no edge get a zero-value Edge.
func (s *Store) GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]ports.Edge, error) {
	out := make([]ports.Edge, len(pairs))
	for i, p := range pairs {
		e, err := s.GetEdge(ctx, p[0], p[1])
		if err != nil {
			continue // leave zero-value; absence is not an error for a batch read
		}
		out[i] = e
	}
	return out, nil
}

func nodeFromProps(props map[string]any) ports.Node {
	id, _ := props["id"].(string)
	clean := make(map[string]any, len(props))
	for k, v := range props {
		if k == "id" {
			continue
		}
		clean[k] = v
	}
	return ports.Node{ID: id, Props: clean}
}

func edgeFromRecord(rec *neo4j.Record) (ports.Edge, error) {
	r, _, err := neo4j.GetRecordValue[dbtype.Relationship](rec, "r")
	if err != nil {
		return ports.Edge{}, err
	}
	srcVal, _ := rec.Get("src")
	dstVal, _ := rec.Get("dst")
	src, _ := srcVal.(string)
	dst, _ := dstVal.(string)
	return ports.Edge{Source: src, Target: dst, Props: r.Props}, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
