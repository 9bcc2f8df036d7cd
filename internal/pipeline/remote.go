package pipeline

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

//go:embed analysis.schema.json
var analysisSchema string

const analysisSchemaURL = "analysis.schema.json"

// RemoteClassifier asks an external analyzer service for the analysis and
// validates its answer before trusting it.
type RemoteClassifier struct {
	endpoint string
	client   *http.Client
	schema   *jsonschema.Schema
}

type analyzeRequest struct {
	Message     mail.NormalizedMessage `json:"message"`
	Preferences store.Preferences      `json:"preferences"`
}

// NewRemoteClassifier compiles the analysis schema and returns a classifier
// posting to endpoint.
func NewRemoteClassifier(endpoint string, client *http.Client) (*RemoteClassifier, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(analysisSchema))
	if err != nil {
		return nil, fmt.Errorf("parse analysis schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(analysisSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add analysis schema: %w", err)
	}
	schema, err := c.Compile(analysisSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile analysis schema: %w", err)
	}
	return &RemoteClassifier{endpoint: endpoint, client: client, schema: schema}, nil
}

// Classify implements Classifier.
func (c *RemoteClassifier) Classify(ctx context.Context, msg mail.NormalizedMessage, prefs store.Preferences) (Analysis, error) {
	payload, err := json.Marshal(analyzeRequest{Message: msg, Preferences: prefs})
	if err != nil {
		return Analysis{}, fmt.Errorf("encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Analysis{}, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Analysis{}, providers.Classify("analyze", 0, false, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Analysis{}, providers.Classify("analyze", 0, false, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Analysis{}, providers.Classify("analyze", resp.StatusCode, false,
			fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Analysis{}, providers.Classify("analyze", http.StatusUnprocessableEntity, false, fmt.Errorf("decode analysis: %w", err))
	}
	if err := c.schema.Validate(inst); err != nil {
		return Analysis{}, providers.Classify("analyze", http.StatusUnprocessableEntity, false, fmt.Errorf("invalid analysis: %w", err))
	}

	var a Analysis
	if err := json.Unmarshal(body, &a); err != nil {
		return Analysis{}, providers.Classify("analyze", http.StatusUnprocessableEntity, false, fmt.Errorf("decode analysis: %w", err))
	}
	return a, nil
}
