// Copyright 2025 Memoros Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantProvider talks to a Qdrant instance over gRPC.
type QdrantProvider struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantProvider connects to Qdrant. url is host:port (gRPC, usually
// 6334).
func NewQdrantProvider(url, apiKey string, useTLS bool, collection string) (*QdrantProvider, error) {
	host := url
	port := 6334
	if h, p, ok := strings.Cut(url, ":"); ok {
		host = h
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port in %q: %w", url, err)
		}
		port = parsed
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client for %s:%d: %w", host, port, err)
	}
	return &QdrantProvider{client: client, collection: collection}, nil
}

func (p *QdrantProvider) Name() string { return "qdrant" }

// EnsureCollection creates the collection with cosine distance if absent.
func (p *QdrantProvider) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := p.client.CollectionExists(ctx, p.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: p.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Upsert writes one point with its payload.
func (p *QdrantProvider) Upsert(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	qp := make(map[string]*qdrant.Value, len(payload))
	for key, value := range payload {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("failed to convert payload value %s: %w", key, err)
		}
		qp[key] = val
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: p.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vec...),
			Payload: qp,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// Search runs a filtered similarity query.
func (p *QdrantProvider) Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Result, error) {
	req := &qdrant.SearchPoints{
		CollectionName: p.collection,
		Vector:         vec,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		req.Filter = buildQdrantFilter(filter)
	}

	res, err := p.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}
	return convertQdrantResults(res.Result), nil
}

// Delete removes one point.
func (p *QdrantProvider) Delete(ctx context.Context, id string) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: p.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{
						{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point %s: %w", id, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

func buildQdrantFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: val.GetStringValue()},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func convertQdrantResults(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))
	for _, point := range points {
		var id string
		if point.Id != nil && point.Id.PointIdOptions != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		payload := make(map[string]any)
		for key, value := range point.Payload {
			switch v := value.Kind.(type) {
			case *qdrant.Value_StringValue:
				payload[key] = v.StringValue
			case *qdrant.Value_IntegerValue:
				payload[key] = v.IntegerValue
			case *qdrant.Value_DoubleValue:
				payload[key] = v.DoubleValue
			case *qdrant.Value_BoolValue:
				payload[key] = v.BoolValue
			case *qdrant.Value_ListValue:
				if v.ListValue != nil {
					list := make([]any, len(v.ListValue.Values))
					for i, item := range v.ListValue.Values {
						switch itemVal := item.Kind.(type) {
						case *qdrant.Value_StringValue:
							list[i] = itemVal.StringValue
						case *qdrant.Value_IntegerValue:
							list[i] = itemVal.IntegerValue
						case *qdrant.Value_DoubleValue:
							list[i] = itemVal.DoubleValue
						case *qdrant.Value_BoolValue:
							list[i] = itemVal.BoolValue
						default:
							list[i] = item
						}
					}
					payload[key] = list
				}
			default:
				payload[key] = value
			}
		}

		results = append(results, Result{ID: id, Score: point.Score, Payload: payload})
	}
	return results
}

var _ Provider = (*QdrantProvider)(nil)
