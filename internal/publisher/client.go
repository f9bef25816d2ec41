package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"beatbridge/internal/config"
	"beatbridge/internal/logging"
	"beatbridge/internal/services"
	"beatbridge/internal/session"
)

const (
	maxRequestAttempts = 4
	defaultRetryAfter  = 2 * time.Second
)

// Product is the subset of a store product the publisher works with.
type Product struct {
	ID         string
	Title      string
	MediaCount int
}

// Metafield is one structured metadata entry attached at product creation.
type Metafield struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	Value     string `json:"value"`
}

// ProductInput describes a product to create, including the licence option
// that variant creation later binds to.
type ProductInput struct {
	Title        string
	Handle       string
	ProductType  string
	Tags         []string
	OptionName   string
	OptionValues []string
	Metafields   []Metafield
}

// VariantInput describes one variant to create under the licence option.
type VariantInput struct {
	Name  string
	Price decimal.Decimal
}

// CreatedVariant is a variant the store acknowledged.
type CreatedVariant struct {
	ID   string
	Name string
}

// API is the store surface the publisher drives. Client implements it
// against the Shopify GraphQL Admin API.
type API interface {
	FindProductByTitle(ctx context.Context, title string) (*Product, error)
	GetProduct(ctx context.Context, productID string) (*Product, error)
	CreateProduct(ctx context.Context, input ProductInput) (*Product, error)
	CreateVariants(ctx context.Context, productID string, variants []VariantInput) ([]CreatedVariant, error)
	UploadArtwork(ctx context.Context, productID, path string) error
	ResolvePublication(ctx context.Context, name string) (string, error)
	Publish(ctx context.Context, productID, publicationID string) error
	AddToCollection(ctx context.Context, productID, collectionGID string) error
}

// Client talks to the Shopify GraphQL Admin API for one store.
type Client struct {
	baseURL      string
	apiVersion   string
	accessToken  string
	clientID     string
	clientSecret string
	tokens       *session.TokenCache
	httpClient   *http.Client
	logger       *slog.Logger
	now          func() time.Time
}

var _ API = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL points the client at a different store endpoint. Used by tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithClock overrides the time source used for token freshness.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a store client from configuration. When no static access
// token is configured the client obtains one through the client-credentials
// grant and caches it in tokens.
func NewClient(cfg *config.Config, logger *slog.Logger, tokens *session.TokenCache, opts ...ClientOption) *Client {
	timeout := time.Duration(cfg.Shopify.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &Client{
		baseURL:      "https://" + cfg.Shopify.StoreURL,
		apiVersion:   cfg.Shopify.APIVersion,
		accessToken:  cfg.Shopify.AccessToken,
		clientID:     cfg.Shopify.ClientID,
		clientSecret: cfg.Shopify.ClientSecret,
		tokens:       tokens,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logging.NewComponentLogger(logger, "shopify"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

func userErrorsToError(operation string, errs []userError) error {
	if len(errs) == 0 {
		return nil
	}
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		if len(e.Field) > 0 {
			messages = append(messages, fmt.Sprintf("%s: %s", strings.Join(e.Field, "."), e.Message))
		} else {
			messages = append(messages, e.Message)
		}
	}
	return services.Wrap(services.ErrValidation, "publishing", operation,
		"Store rejected the request: "+strings.Join(messages, "; "), nil)
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/admin/api/%s/graphql.json", c.baseURL, c.apiVersion)
}

// graphql posts one query and decodes the data payload into out. Rate limits
// are honored via Retry-After, transient network errors retry with
// exponential backoff, and an expired token is refreshed once before the
// call gives up with an auth error.
func (c *Client) graphql(ctx context.Context, operation, query string, vars map[string]any, out any) error {
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}

	start := c.now()
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = 500 * time.Millisecond
	wait.MaxInterval = 10 * time.Second
	refreshed := false

	for attempt := 1; attempt <= maxRequestAttempts; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}

		status, body, retryAfter, err := c.post(ctx, token, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt == maxRequestAttempts {
				return services.Wrap(services.ErrTransient, "publishing", operation,
					fmt.Sprintf("Request failed after %d attempts (%.1fs)", attempt, time.Since(start).Seconds()), err)
			}
			c.logger.Debug("request failed, retrying", logging.String("operation", operation), logging.Error(err))
			if err := sleepContext(ctx, wait.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		switch {
		case status == http.StatusTooManyRequests:
			c.logger.Debug("rate limited", logging.String("operation", operation), logging.Duration("retry_after", retryAfter))
			if err := sleepContext(ctx, retryAfter); err != nil {
				return err
			}
			continue
		case status == http.StatusUnauthorized:
			if c.accessToken != "" || refreshed {
				return services.Wrap(services.ErrAuthExpired, "publishing", operation,
					"Store rejected the access token", nil)
			}
			refreshed = true
			if err := c.tokens.Clear(); err != nil {
				c.logger.Warn("token cache not cleared", logging.Error(err))
			}
			continue
		case status != http.StatusOK:
			return services.Wrap(services.ErrTransient, "publishing", operation,
				fmt.Sprintf("Unexpected status %d after %.1fs", status, time.Since(start).Seconds()), nil)
		}

		var envelope graphQLEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return services.Wrap(services.ErrTransient, "publishing", operation, "Malformed response body", err)
		}
		if len(envelope.Errors) > 0 {
			messages := make([]string, 0, len(envelope.Errors))
			for _, e := range envelope.Errors {
				messages = append(messages, e.Message)
			}
			return services.Wrap(services.ErrTransient, "publishing", operation,
				"GraphQL errors: "+strings.Join(messages, "; "), nil)
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return services.Wrap(services.ErrTransient, "publishing", operation, "Malformed data payload", err)
			}
		}
		return nil
	}

	return services.Wrap(services.ErrTransient, "publishing", operation,
		fmt.Sprintf("Request did not succeed after %d attempts (%.1fs)", maxRequestAttempts, time.Since(start).Seconds()), nil)
}

func (c *Client) post(ctx context.Context, token string, payload []byte) (int, []byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, 0, err
	}

	retryAfter := defaultRetryAfter
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds > 0 {
			retryAfter = time.Duration(seconds * float64(time.Second))
		}
	}
	return resp.StatusCode, body, retryAfter, nil
}

// token returns the static access token when configured, otherwise the cached
// client-credentials token, refreshing it when stale.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.accessToken != "" {
		return c.accessToken, nil
	}
	if cached := c.tokens.Get(c.now()); cached != "" {
		return cached, nil
	}
	return c.refreshToken(ctx)
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	if c.clientID == "" || c.clientSecret == "" {
		return "", services.Wrap(services.ErrConfiguration, "publishing", "obtain token",
			"No access token and no client credentials configured", nil)
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/admin/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "publishing", "obtain token", "Token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", services.Wrap(services.ErrAuthExpired, "publishing", "obtain token",
			fmt.Sprintf("Token endpoint returned status %d", resp.StatusCode), nil)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return "", services.Wrap(services.ErrTransient, "publishing", "obtain token", "Malformed token response", err)
	}
	if grant.AccessToken == "" {
		return "", services.Wrap(services.ErrAuthExpired, "publishing", "obtain token", "Token endpoint returned no token", nil)
	}
	if err := c.tokens.Put(grant.AccessToken, c.now()); err != nil {
		c.logger.Warn("token not cached", logging.Error(err))
	}
	c.logger.Info("access token refreshed")
	return grant.AccessToken, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

const findProductsQuery = `
query findProducts($query: String!) {
  products(first: 10, query: $query) {
    edges { node { id title } }
  }
}`

// FindProductByTitle looks up a product whose title matches exactly, ignoring
// case. Returns nil when no product matches.
func (c *Client) FindProductByTitle(ctx context.Context, title string) (*Product, error) {
	var result struct {
		Products struct {
			Edges []struct {
				Node struct {
					ID    string `json:"id"`
					Title string `json:"title"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"products"`
	}
	search := fmt.Sprintf("title:%s", strconv.Quote(title))
	if err := c.graphql(ctx, "find product", findProductsQuery, map[string]any{"query": search}, &result); err != nil {
		return nil, err
	}
	want := strings.ToLower(title)
	for _, edge := range result.Products.Edges {
		if strings.ToLower(edge.Node.Title) == want {
			return &Product{ID: edge.Node.ID, Title: edge.Node.Title}, nil
		}
	}
	return nil, nil
}

const getProductQuery = `
query getProduct($id: ID!) {
  product(id: $id) {
    id
    title
    mediaCount { count }
  }
}`

// GetProduct fetches a product by id. Returns nil when the product no longer
// exists.
func (c *Client) GetProduct(ctx context.Context, productID string) (*Product, error) {
	var result struct {
		Product *struct {
			ID         string `json:"id"`
			Title      string `json:"title"`
			MediaCount struct {
				Count int `json:"count"`
			} `json:"mediaCount"`
		} `json:"product"`
	}
	if err := c.graphql(ctx, "get product", getProductQuery, map[string]any{"id": productID}, &result); err != nil {
		return nil, err
	}
	if result.Product == nil {
		return nil, nil
	}
	return &Product{
		ID:         result.Product.ID,
		Title:      result.Product.Title,
		MediaCount: result.Product.MediaCount.Count,
	}, nil
}

const productCreateMutation = `
mutation productCreate($input: ProductInput!) {
  productCreate(input: $input) {
    product { id title }
    userErrors { field message }
  }
}`

// CreateProduct creates a product with the licence option and metadata
// fields. Variants are created separately against the option values declared
// here.
func (c *Client) CreateProduct(ctx context.Context, input ProductInput) (*Product, error) {
	optionValues := make([]map[string]any, 0, len(input.OptionValues))
	for _, value := range input.OptionValues {
		optionValues = append(optionValues, map[string]any{"name": value})
	}
	productInput := map[string]any{
		"title":       input.Title,
		"productType": input.ProductType,
		"tags":        input.Tags,
		"productOptions": []map[string]any{
			{"name": input.OptionName, "values": optionValues},
		},
		"metafields": input.Metafields,
	}
	if input.Handle != "" {
		productInput["handle"] = input.Handle
	}
	vars := map[string]any{"input": productInput}

	var result struct {
		ProductCreate struct {
			Product *struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"product"`
			UserErrors []userError `json:"userErrors"`
		} `json:"productCreate"`
	}
	if err := c.graphql(ctx, "create product", productCreateMutation, vars, &result); err != nil {
		return nil, err
	}
	if err := userErrorsToError("create product", result.ProductCreate.UserErrors); err != nil {
		return nil, err
	}
	if result.ProductCreate.Product == nil {
		return nil, services.Wrap(services.ErrTransient, "publishing", "create product",
			"Store returned no product", nil)
	}
	return &Product{ID: result.ProductCreate.Product.ID, Title: result.ProductCreate.Product.Title}, nil
}

const variantsBulkCreateMutation = `
mutation productVariantsBulkCreate($productId: ID!, $variants: [ProductVariantsBulkInput!]!, $strategy: ProductVariantsBulkCreateStrategy) {
  productVariantsBulkCreate(productId: $productId, variants: $variants, strategy: $strategy) {
    productVariants { id title }
    userErrors { field message }
  }
}`

// CreateVariants creates licence variants on a product. The default variant
// the store seeds at creation is removed so only configured licences remain.
func (c *Client) CreateVariants(ctx context.Context, productID string, variants []VariantInput) ([]CreatedVariant, error) {
	inputs := make([]map[string]any, 0, len(variants))
	for _, v := range variants {
		inputs = append(inputs, map[string]any{
			"price": v.Price.StringFixed(2),
			"optionValues": []map[string]any{
				{"optionName": "Licence", "name": v.Name},
			},
		})
	}
	vars := map[string]any{
		"productId": productID,
		"variants":  inputs,
		"strategy":  "REMOVE_STANDALONE_VARIANT",
	}

	var result struct {
		ProductVariantsBulkCreate struct {
			ProductVariants []struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"productVariants"`
			UserErrors []userError `json:"userErrors"`
		} `json:"productVariantsBulkCreate"`
	}
	if err := c.graphql(ctx, "create variants", variantsBulkCreateMutation, vars, &result); err != nil {
		return nil, err
	}
	if err := userErrorsToError("create variants", result.ProductVariantsBulkCreate.UserErrors); err != nil {
		return nil, err
	}
	created := make([]CreatedVariant, 0, len(result.ProductVariantsBulkCreate.ProductVariants))
	for _, v := range result.ProductVariantsBulkCreate.ProductVariants {
		created = append(created, CreatedVariant{ID: v.ID, Name: v.Title})
	}
	return created, nil
}

const stagedUploadsMutation = `
mutation stagedUploadsCreate($input: [StagedUploadInput!]!) {
  stagedUploadsCreate(input: $input) {
    stagedTargets {
      url
      resourceUrl
      parameters { name value }
    }
    userErrors { field message }
  }
}`

const productCreateMediaMutation = `
mutation productCreateMedia($productId: ID!, $media: [CreateMediaInput!]!) {
  productCreateMedia(productId: $productId, media: $media) {
    media { ... on MediaImage { id } }
    mediaUserErrors { field message }
  }
}`

// UploadArtwork stages the image with the store, uploads the bytes to the
// staged target, and attaches the result as product media.
func (c *Client) UploadArtwork(ctx context.Context, productID, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat artwork: %w", err)
	}
	filename := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	vars := map[string]any{
		"input": []map[string]any{{
			"resource":   "IMAGE",
			"filename":   filename,
			"mimeType":   mimeType,
			"fileSize":   strconv.FormatInt(info.Size(), 10),
			"httpMethod": "POST",
		}},
	}
	var staged struct {
		StagedUploadsCreate struct {
			StagedTargets []struct {
				URL         string            `json:"url"`
				ResourceURL string            `json:"resourceUrl"`
				Parameters  []stagedParameter `json:"parameters"`
			} `json:"stagedTargets"`
			UserErrors []userError `json:"userErrors"`
		} `json:"stagedUploadsCreate"`
	}
	if err := c.graphql(ctx, "stage upload", stagedUploadsMutation, vars, &staged); err != nil {
		return err
	}
	if err := userErrorsToError("stage upload", staged.StagedUploadsCreate.UserErrors); err != nil {
		return err
	}
	if len(staged.StagedUploadsCreate.StagedTargets) == 0 {
		return services.Wrap(services.ErrTransient, "publishing", "stage upload", "Store returned no staged target", nil)
	}
	target := staged.StagedUploadsCreate.StagedTargets[0]

	if err := c.uploadStaged(ctx, target.URL, target.Parameters, path, filename); err != nil {
		return services.Wrap(services.ErrTransient, "publishing", "upload artwork", "Staged upload failed", err)
	}

	mediaVars := map[string]any{
		"productId": productID,
		"media": []map[string]any{{
			"originalSource":   target.ResourceURL,
			"mediaContentType": "IMAGE",
		}},
	}
	var media struct {
		ProductCreateMedia struct {
			MediaUserErrors []userError `json:"mediaUserErrors"`
		} `json:"productCreateMedia"`
	}
	if err := c.graphql(ctx, "attach media", productCreateMediaMutation, mediaVars, &media); err != nil {
		return err
	}
	return userErrorsToError("attach media", media.ProductCreateMedia.MediaUserErrors)
}

type stagedParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (c *Client) uploadStaged(ctx context.Context, targetURL string, parameters []stagedParameter, path, filename string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, param := range parameters {
		if err := writer.WriteField(param.Name, param.Value); err != nil {
			return err
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("staged target returned status %d", resp.StatusCode)
	}
	return nil
}

const publicationsQuery = `
query publications {
  publications(first: 20) {
    edges { node { id name } }
  }
}`

// ResolvePublication maps a publication name to its id.
func (c *Client) ResolvePublication(ctx context.Context, name string) (string, error) {
	var result struct {
		Publications struct {
			Edges []struct {
				Node struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"publications"`
	}
	if err := c.graphql(ctx, "resolve publication", publicationsQuery, nil, &result); err != nil {
		return "", err
	}
	for _, edge := range result.Publications.Edges {
		if strings.EqualFold(edge.Node.Name, name) {
			return edge.Node.ID, nil
		}
	}
	return "", services.Wrap(services.ErrConfiguration, "publishing", "resolve publication",
		fmt.Sprintf("Publication %q not found on the store", name), nil)
}

const publishablePublishMutation = `
mutation publishablePublish($id: ID!, $input: [PublicationInput!]!) {
  publishablePublish(id: $id, input: $input) {
    userErrors { field message }
  }
}`

// Publish makes the product visible on the given publication.
func (c *Client) Publish(ctx context.Context, productID, publicationID string) error {
	vars := map[string]any{
		"id":    productID,
		"input": []map[string]any{{"publicationId": publicationID}},
	}
	var result struct {
		PublishablePublish struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"publishablePublish"`
	}
	if err := c.graphql(ctx, "publish product", publishablePublishMutation, vars, &result); err != nil {
		return err
	}
	return userErrorsToError("publish product", result.PublishablePublish.UserErrors)
}

const collectionAddMutation = `
mutation collectionAddProducts($id: ID!, $productIds: [ID!]!) {
  collectionAddProducts(id: $id, productIds: $productIds) {
    userErrors { field message }
  }
}`

// AddToCollection adds the product to a collection. Adding a product that is
// already a member is accepted by the store, so the call is idempotent.
func (c *Client) AddToCollection(ctx context.Context, productID, collectionGID string) error {
	vars := map[string]any{
		"id":         collectionGID,
		"productIds": []string{productID},
	}
	var result struct {
		CollectionAddProducts struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"collectionAddProducts"`
	}
	if err := c.graphql(ctx, "add to collection", collectionAddMutation, vars, &result); err != nil {
		return err
	}
	return userErrorsToError("add to collection", result.CollectionAddProducts.UserErrors)
}
