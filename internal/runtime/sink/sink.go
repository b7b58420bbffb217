// Package sink records predictions with the targeting service through the
// createPrediction GraphQL mutation.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/chimpflow/internal/runtime/graphql"
	"github.com/drblury/chimpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chimpflow/internal/runtime/logging"
	"github.com/drblury/chimpflow/internal/runtime/protocol"
)

// CreatePredictionMutation is the document posted for every prediction.
const CreatePredictionMutation = `mutation CreatePrediction($plate: WellInput!, $wellCentroid: PointInput!, $wellRadius: Int!, $drops: [DropInput!]!) { createPrediction(plate: $plate, wellCentroid: $wellCentroid, wellRadius: $wellRadius, drops: $drops) { id } }`

const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a non-2xx body ends up in the error.
const maxErrorBody = 4 << 10

// Kind classifies a SinkError.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindApplication Kind = "application"
)

// SinkError is returned by Submit. Application errors carry the GraphQL
// errors array; transport errors carry the cause and, when known, the status.
type SinkError struct {
	Kind       Kind
	StatusCode int
	Errors     []graphql.ErrorEntry
	Err        error
}

func (e *SinkError) Error() string {
	switch {
	case e.Kind == KindApplication:
		return "createPrediction rejected: " + graphql.JoinMessages(e.Errors)
	case e.StatusCode != 0:
		return fmt.Sprintf("createPrediction failed: status %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("createPrediction failed: %v", e.Err)
	}
}

func (e *SinkError) Unwrap() error { return e.Err }

type WellInput struct {
	Plate uuid.UUID `json:"plate"`
	Well  int32     `json:"well"`
}

type PointInput struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

type BoundingBoxInput struct {
	Left   int32 `json:"left"`
	Right  int32 `json:"right"`
	Top    int32 `json:"top"`
	Bottom int32 `json:"bottom"`
}

type CrystalInput struct {
	BoundingBox BoundingBoxInput `json:"boundingBox"`
}

type DropInput struct {
	Crystals       []CrystalInput   `json:"crystals"`
	BoundingBox    BoundingBoxInput `json:"boundingBox"`
	InsertionPoint PointInput       `json:"insertionPoint"`
}

// Prediction is the variable set of one createPrediction call.
type Prediction struct {
	// JobID is not sent; it only tags logs and spans.
	JobID        string      `json:"-"`
	Plate        WellInput   `json:"plate"`
	WellCentroid PointInput  `json:"wellCentroid"`
	WellRadius   int32       `json:"wellRadius"`
	Drops        []DropInput `json:"drops"`
}

// FromSuccess maps a worker result onto a single-drop prediction.
func FromSuccess(s protocol.Success) Prediction {
	crystals := make([]CrystalInput, 0, len(s.Crystals))
	for _, c := range s.Crystals {
		crystals = append(crystals, CrystalInput{BoundingBox: bbox(c)})
	}
	return Prediction{
		JobID:        s.JobID,
		Plate:        WellInput{Plate: s.Plate, Well: s.Well},
		WellCentroid: point(s.WellLocation.Center),
		WellRadius:   s.WellLocation.Radius,
		Drops: []DropInput{{
			Crystals:       crystals,
			BoundingBox:    bbox(s.Drop),
			InsertionPoint: point(s.InsertionPoint),
		}},
	}
}

func (p Prediction) variables() map[string]any {
	drops := make([]DropInput, len(p.Drops))
	copy(drops, p.Drops)
	for i := range drops {
		if drops[i].Crystals == nil {
			drops[i].Crystals = []CrystalInput{}
		}
	}
	return map[string]any{
		"plate":        p.Plate,
		"wellCentroid": p.WellCentroid,
		"wellRadius":   p.WellRadius,
		"drops":        drops,
	}
}

func point(p protocol.Point) PointInput { return PointInput{X: p.X, Y: p.Y} }

func bbox(b protocol.BBox) BoundingBoxInput {
	return BoundingBoxInput{Left: b.Left, Right: b.Right, Top: b.Top, Bottom: b.Bottom}
}

type Config struct {
	// URL is the targeting service query/mutation endpoint.
	URL       string
	AuthToken string
	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration
	// HTTPClient is copied and its transport wrapped with otelhttp.
	HTTPClient *http.Client
}

type Client struct {
	url     string
	token   string
	timeout time.Duration
	http    *http.Client
	logger  logging.ServiceLogger
}

func New(cfg Config, logger logging.ServiceLogger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("sink: targeting URL is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		url:     cfg.URL,
		token:   cfg.AuthToken,
		timeout: cfg.Timeout,
		http:    instrument(cfg.HTTPClient),
		logger:  logger,
	}, nil
}

func instrument(base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		*client = *base
	}
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(transport,
		otelhttp.WithSpanNameFormatter(func(string, *http.Request) string { return "createPrediction" }),
	)
	return client
}

type createPredictionData struct {
	CreatePrediction *struct {
		ID string `json:"id"`
	} `json:"createPrediction"`
}

// Submit posts the mutation and returns the id of the created prediction.
func (c *Client) Submit(ctx context.Context, p Prediction) (string, error) {
	ctx, span := otel.Tracer("chimpflow").Start(ctx, "sink.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("chimpflow.job_id", p.JobID),
		attribute.String("chimpflow.plate", p.Plate.Plate.String()),
		attribute.Int("chimpflow.well", int(p.Plate.Well)),
	)

	id, err := c.submit(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "createPrediction")
		return "", err
	}
	logging.WithJob(c.logger, p.JobID).Debug("Prediction created", logging.LogFields{"prediction_id": id})
	return id, nil
}

func (c *Client) submit(ctx context.Context, p Prediction) (string, error) {
	body, err := jsoncodec.Marshal(graphql.Request{
		Query:         CreatePredictionMutation,
		OperationName: "CreatePrediction",
		Variables:     p.variables(),
	})
	if err != nil {
		return "", &SinkError{Kind: KindTransport, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", &SinkError{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &SinkError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &SinkError{
			Kind:       KindTransport,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response %q", strings.TrimSpace(string(snippet))),
		}
	}

	var gqlResp graphql.Response
	if err := jsoncodec.Decode(resp.Body, &gqlResp); err != nil {
		return "", &SinkError{Kind: KindTransport, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(gqlResp.Errors) > 0 {
		return "", &SinkError{Kind: KindApplication, StatusCode: resp.StatusCode, Errors: gqlResp.Errors}
	}

	var data createPredictionData
	if gqlResp.HasData() {
		if err := jsoncodec.Unmarshal(gqlResp.Data, &data); err != nil {
			return "", &SinkError{Kind: KindTransport, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	if data.CreatePrediction == nil {
		return "", &SinkError{Kind: KindApplication, StatusCode: resp.StatusCode,
			Errors: []graphql.ErrorEntry{{Message: "createPrediction returned no data"}}}
	}
	return data.CreatePrediction.ID, nil
}
