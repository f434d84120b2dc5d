package http

import "github.com/fyrsmithlabs/reviewrag/internal/rag"

// QueryRequest is the body of POST /query and POST /api/v1/query.
// Absent fields take the documented defaults.
type QueryRequest struct {
	QueryText   string   `json:"query_text"`
	TopK        *int     `json:"top_k,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (r QueryRequest) toDomain() rag.QueryRequest {
	out := rag.QueryRequest{
		QueryText:   r.QueryText,
		TopK:        rag.DefaultTopK,
		Temperature: rag.DefaultTemperature,
	}
	if r.TopK != nil {
		out.TopK = *r.TopK
	}
	if r.Temperature != nil {
		out.Temperature = *r.Temperature
	}
	return out
}

// MatchResponse is one element of the query response array. Only the first
// element carries generated_response.
type MatchResponse struct {
	ReviewID          string  `json:"review_id"`
	ReviewText        string  `json:"review_text"`
	SimilarityScore   float64 `json:"similarity_score"`
	GeneratedResponse *string `json:"generated_response,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Generation string `json:"generation,omitempty"`
}

func matchesResponse(res *rag.AnswerResult) []MatchResponse {
	out := make([]MatchResponse, 0, len(res.Matches))
	for _, m := range res.Matches {
		out = append(out, MatchResponse{
			ReviewID:          m.ID,
			ReviewText:        m.Text,
			SimilarityScore:   m.SimilarityScore,
			GeneratedResponse: m.GeneratedAnswer,
		})
	}
	return out
}
