// Package backend wraps the REST record store that owns product, offer and
// user records. All mutating endpoints signal success with 201; anything else
// leaves local state untouched and surfaces as a typed failure.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"escrotrade/trade"
)

const maxResponseBody = 1 << 20 // 1 MiB

// Profile mirrors the record store's user document.
type Profile struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Wallet   string        `json:"wallet"`
	Location string        `json:"location"`
	Products []trade.Product `json:"products"`
	Offers   []trade.Offer   `json:"trade_offers"`
}

// Client is the typed HTTP client for the record store.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a client against the record store base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetHTTPClient overrides the underlying transport, primarily used in tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.http = hc
	}
}

// Product fetches a single listing. The listing read is public.
func (c *Client) Product(ctx context.Context, id int64) (*trade.Product, error) {
	var product trade.Product
	if err := c.getJSON(ctx, trade.Credential{}, fmt.Sprintf("/product/getProduct/%d", id), &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// ProductOffers lists the offers filed against a listing. Seller-only.
func (c *Client) ProductOffers(ctx context.Context, cred trade.Credential, productID int64) ([]trade.Offer, error) {
	if cred.Empty() {
		return nil, trade.ErrAuthRequired
	}
	var offers []trade.Offer
	if err := c.getJSON(ctx, cred, fmt.Sprintf("/product/getProductsTo/%d", productID), &offers); err != nil {
		return nil, err
	}
	return offers, nil
}

// CreateOffer files a new waiting offer against the listing.
func (c *Client) CreateOffer(ctx context.Context, cred trade.Credential, productID int64, cost uint64) error {
	return c.postMutation(ctx, cred, fmt.Sprintf("/product/%d/offerTrade", productID), map[string]uint64{"cost": cost})
}

// AcceptOffer marks the offer accepted; the backend matches the product.
func (c *Client) AcceptOffer(ctx context.Context, cred trade.Credential, offerID int64) error {
	return c.postMutation(ctx, cred, fmt.Sprintf("/trade-offer/accept/%d", offerID), nil)
}

// RefuseOffer marks the offer refused.
func (c *Client) RefuseOffer(ctx context.Context, cred trade.Credential, offerID int64) error {
	return c.postMutation(ctx, cred, fmt.Sprintf("/trade-offer/refuse/%d", offerID), nil)
}

// RemoveOffer deletes the offer record.
func (c *Client) RemoveOffer(ctx context.Context, cred trade.Credential, offerID int64) error {
	return c.postMutation(ctx, cred, fmt.Sprintf("/trade-offer/remove/%d", offerID), nil)
}

// RemoveProduct deletes the listing if the backend permits it.
func (c *Client) RemoveProduct(ctx context.Context, cred trade.Credential, productID int64) error {
	return c.postMutation(ctx, cred, fmt.Sprintf("/product/remove/%d", productID), nil)
}

// User fetches the authenticated user's profile, including wallet address,
// shipping location, owned products and offers made.
func (c *Client) User(ctx context.Context, cred trade.Credential) (*Profile, error) {
	if cred.Empty() {
		return nil, trade.ErrAuthRequired
	}
	var profile Profile
	if err := c.getJSON(ctx, cred, "/user/getUser", &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// UpdateWallet records the user's wallet address.
func (c *Client) UpdateWallet(ctx context.Context, cred trade.Credential, wallet string) error {
	return c.postMutation(ctx, cred, "/user/updateWallet", map[string]string{"wallet": wallet})
}

// UpdateLocation records the user's shipping location.
func (c *Client) UpdateLocation(ctx context.Context, cred trade.Credential, location string) error {
	return c.postMutation(ctx, cred, "/user/updateLocation", map[string]string{"location": location})
}

func (c *Client) getJSON(ctx context.Context, cred trade.Credential, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if !cred.Empty() {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if err := classifyStatus(path, resp.StatusCode, http.StatusOK, body); err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// postMutation performs a record mutation. The store signals success with
// 201; any other status is a failure and must not advance local state.
func (c *Client) postMutation(ctx context.Context, cred trade.Credential, path string, payload interface{}) error {
	if cred.Empty() {
		return trade.ErrAuthRequired
	}
	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return classifyStatus(path, resp.StatusCode, http.StatusCreated, body)
}

func classifyStatus(endpoint string, got, want int, body []byte) error {
	if got == want {
		return nil
	}
	switch got {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", trade.ErrAuthRequired, endpoint)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", trade.ErrNotFound, endpoint)
	default:
		return &trade.BackendError{Endpoint: endpoint, Status: got, Body: string(body)}
	}
}
