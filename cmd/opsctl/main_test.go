package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{
			name:  "typed values",
			pairs: []string{"epochs=5", "symbol=EURUSD", "quick=true", "threshold=0.6"},
			want:  map[string]any{"epochs": float64(5), "symbol": "EURUSD", "quick": true, "threshold": 0.6},
		},
		{
			name:  "value containing equals",
			pairs: []string{"filter=a=b"},
			want:  map[string]any{"filter": "a=b"},
		},
		{
			name:    "missing separator",
			pairs:   []string{"epochs"},
			wantErr: true,
		},
		{
			name:    "empty key",
			pairs:   []string{"=5"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %#v, want %#v", k, got[k], v)
				}
			}
		})
	}
}

func TestClientDecodesErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"operation op_1 is running"}`))
	}))
	defer ts.Close()

	err := newAPIClient(ts.URL).do(context.Background(), http.MethodPost, "/api/v1/operations/op_1/resume", nil, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want apiError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message != "operation op_1 is running" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}
