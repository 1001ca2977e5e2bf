package hostfunctions

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarateach/agentfleet/internal/correlator"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestFinalResultWithNoInFlightRequestIsNoOp(t *testing.T) {
	corr := correlator.New()
	inbox := make(chan correlator.WorkItem, 1)
	corr.Register("agent-1", correlator.Tool{AgentID: "agent-1"}, inbox)

	set := New(corr, nil, nil, discardLogger())
	finalResult := set.Bind("agent-1")["FinalResult"]

	if _, err := finalResult(context.Background(), "some answer"); err != nil {
		t.Fatalf("FinalResult() error = %v", err)
	}
	if !corr.Empty() {
		t.Error("Empty() = false after FinalResult with no in-flight request, want true")
	}
}

func TestFinalResultDeliversToAwaitingRequest(t *testing.T) {
	corr := correlator.New()
	inbox := make(chan correlator.WorkItem, 1)
	corr.Register("agent-1", correlator.Tool{AgentID: "agent-1"}, inbox)

	if err := corr.Submit("agent-1", "req-1", "{}"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-inbox // drain the framed work item Submit enqueued

	set := New(corr, nil, nil, discardLogger())
	finalResult := set.Bind("agent-1")["FinalResult"]

	if _, err := finalResult(context.Background(), "the answer"); err != nil {
		t.Fatalf("FinalResult() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := corr.AwaitReply(ctx, "req-1")
	if err != nil {
		t.Fatalf("AwaitReply() error = %v", err)
	}
	if got != "the answer" {
		t.Errorf("AwaitReply() = %q, want %q", got, "the answer")
	}
}

func TestFetchDataReturnsAckImmediately(t *testing.T) {
	corr := correlator.New()
	inbox := make(chan correlator.WorkItem, 1)
	corr.Register("agent-1", correlator.Tool{AgentID: "agent-1"}, inbox)

	set := New(corr, nil, nil, discardLogger())
	fetchData := set.Bind("agent-1")["FetchData"]

	ack, err := fetchData(context.Background(), `{"url":"http://127.0.0.1:1/unreachable","callback":"ProcessHttpResponse"}`)
	if err != nil {
		t.Fatalf("FetchData() error = %v", err)
	}
	if ack != "Http Request sent" {
		t.Errorf("FetchData() ack = %q, want %q", ack, "Http Request sent")
	}
}
