package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

func TestHTTPClientSubmitMapsOverlayErrors(t *testing.T) {
	var gotID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/submit" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotID = r.Header.Get(RequestIDHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(APIError{Code: CodeTokenAlreadySpent, Message: "token spent"})
	}))
	defer srv.Close()

	rec := &escrow.Record{Transition: &escrow.TransitionRecord{Call: escrow.ApproveWork()}}
	_, err := NewHTTPClient(srv.URL+"/", "").Submit(context.Background(), rec)
	if !errors.Is(err, escrow.ErrTokenAlreadySpent) {
		t.Fatalf("expected ErrTokenAlreadySpent, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected *APIError with status 409, got %v", err)
	}
	if gotID == "" {
		t.Fatal("submission carried no request id")
	}
	decoded, err := escrow.DecodeRecord(gotBody)
	if err != nil {
		t.Fatalf("decode posted record: %v", err)
	}
	if decoded.Transition == nil || decoded.Transition.Call.Kind != escrow.TransitionSeekerApprovesWork {
		t.Fatalf("unexpected posted record %+v", decoded)
	}
}

func TestHTTPClientQuery(t *testing.T) {
	id := escrow.ContractID{7}
	want := Entry{
		Ref:   escrow.TokenRef{Contract: id, Sequence: 3},
		State: &escrow.EscrowState{SeekerKey: escrow.PubKey{2, 1}, PlatformKey: escrow.PubKey{3, 1}, Bids: []escrow.Bid{}, WorkCompletionDeadline: 900},
		Value: 42,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/lookup" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		f, err := ParseFilter(r.URL.Query())
		if err != nil {
			t.Errorf("parse filter: %v", err)
		}
		if f.Contract == nil || *f.Contract != id || f.Status == nil || *f.Status != escrow.StatusInitial {
			t.Errorf("filter did not survive the query string: %+v", f)
		}
		_ = json.NewEncoder(w).Encode([]Entry{want})
	}))
	defer srv.Close()

	status := escrow.StatusInitial
	f := ByContract(id)
	f.Status = &status
	got, err := NewHTTPClient(srv.URL, "").Query(context.Background(), f)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Ref != want.Ref || got[0].Value != want.Value {
		t.Fatalf("unexpected entries %+v", got)
	}
	if got[0].State.SeekerKey != want.State.SeekerKey || got[0].State.WorkCompletionDeadline != 900 {
		t.Fatalf("state not decoded: %+v", got[0].State)
	}
}

func TestHTTPClientUnstructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "").Query(context.Background(), Filter{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != CodeInternal || apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestFilterMatchesFurnisherBids(t *testing.T) {
	furnisher := escrow.PubKey{2, 9}
	entry := Entry{State: &escrow.EscrowState{Bids: []escrow.Bid{{FurnisherKey: furnisher, BidAmount: 10}}}}
	if !(Filter{Furnisher: &furnisher}).Matches(entry) {
		t.Fatal("furnisher with a pending bid should match")
	}
	other := escrow.PubKey{2, 8}
	if (Filter{Furnisher: &other}).Matches(entry) {
		t.Fatal("unrelated furnisher should not match")
	}
	if (Filter{}).Matches(Entry{}) {
		t.Fatal("entries without state never match")
	}

	bounty := escrow.ContractBounty
	parsed, err := ParseFilter(Filter{Furnisher: &furnisher, ContractType: &bounty, Limit: 5}.Values())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *parsed.Furnisher != furnisher || *parsed.ContractType != bounty || parsed.Limit != 5 {
		t.Fatalf("unexpected parsed filter %+v", parsed)
	}
	if _, err := ParseFilter(map[string][]string{"limit": {"-1"}}); err == nil {
		t.Fatal("negative limit accepted")
	}
}
