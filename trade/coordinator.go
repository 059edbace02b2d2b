package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Credential is an explicit backend session token, acquired at sign-in and
// supplied per call. It is never read from ambient state.
type Credential struct {
	Token string
}

// Empty reports whether no usable token is present.
func (c Credential) Empty() bool {
	return strings.TrimSpace(c.Token) == ""
}

// Session binds the acting user's backend credential to their wallet address.
type Session struct {
	Credential Credential
	Wallet     string
}

// Submission is a handle on a submitted settlement transaction. Wait resolves
// once a confirmation is observed: nil for a successful receipt, a RevertError
// for a confirmed failure.
type Submission interface {
	Hash() string
	Wait(ctx context.Context) error
}

// ChainClient is the settlement surface of the escrow contract.
type ChainClient interface {
	ProductState(ctx context.Context, key *big.Int) (EscrowPhase, error)
	Manner(ctx context.Context, wallet string) (uint64, error)
	Register(ctx context.Context, name string, cost uint64, valueWei *big.Int) (Submission, error)
	Advance(ctx context.Context, key *big.Int, valueWei *big.Int) (Submission, error)
	Cancel(ctx context.Context, key *big.Int) (Submission, error)
}

// RecordClient is the slice of the backend record store the coordinator
// drives. The backend remains authoritative for listing and offer metadata.
type RecordClient interface {
	Product(ctx context.Context, id int64) (*Product, error)
	CreateOffer(ctx context.Context, cred Credential, productID int64, cost uint64) error
	AcceptOffer(ctx context.Context, cred Credential, offerID int64) error
	RefuseOffer(ctx context.Context, cred Credential, offerID int64) error
	RemoveOffer(ctx context.Context, cred Credential, offerID int64) error
	RemoveProduct(ctx context.Context, cred Credential, productID int64) error
}

var errNilProduct = errors.New("trade: nil product record")

// Coordinator validates the authoritative state before each trade action and
// drives the record store and the escrow contract in the correct order. It
// holds no state of its own beyond the in-flight transaction guard: the
// backend projection only advances on confirmed on-chain events observed by
// the external listener.
type Coordinator struct {
	records RecordClient
	chain   ChainClient
	logger  *slog.Logger
	nowFn   func() time.Time

	mu       sync.Mutex
	inflight map[string]string // escrow key -> tx hash
}

// NewCoordinator constructs a coordinator over the two clients.
func NewCoordinator(records RecordClient, chain ChainClient) *Coordinator {
	return &Coordinator{
		records:  records,
		chain:    chain,
		logger:   slog.Default(),
		nowFn:    time.Now,
		inflight: make(map[string]string),
	}
}

// SetLogger overrides the structured logger.
func (c *Coordinator) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (c *Coordinator) SetNowFunc(now func() time.Time) {
	if now == nil {
		c.nowFn = time.Now
		return
	}
	c.nowFn = now
}

// InFlight reports whether a submitted transaction for the escrow key is
// still unresolved. Confirmation timeouts are policy for the caller; the
// coordinator only refuses duplicate submissions while one is outstanding.
func (c *Coordinator) InFlight(key *big.Int) bool {
	if key == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key.String()]
	return ok
}

// PendingHash returns the unresolved transaction hash for the key, if any.
func (c *Coordinator) PendingHash(key *big.Int) (string, bool) {
	if key == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	hash, ok := c.inflight[key.String()]
	return hash, ok
}

func (c *Coordinator) finish(key *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key.String())
}

func (c *Coordinator) loadProduct(ctx context.Context, id int64) (*Product, error) {
	product, err := c.records.Product(ctx, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, errNilProduct
	}
	if !product.Status.Valid() {
		return nil, fmt.Errorf("trade: product %d carries unknown status %q", id, product.Status)
	}
	return product, nil
}

func (c *Coordinator) findOffer(product *Product, offerID int64) (*Offer, error) {
	for i := range product.Offers {
		if product.Offers[i].ID == offerID {
			return &product.Offers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: offer %d on product %d", ErrNotFound, offerID, product.ID)
}

// SubmitOffer places a bid on a listing still looking for a buyer.
func (c *Coordinator) SubmitOffer(ctx context.Context, session Session, productID int64, cost uint64) error {
	if session.Credential.Empty() {
		return ErrAuthRequired
	}
	product, err := c.loadProduct(ctx, productID)
	if err != nil {
		return err
	}
	if product.Status != StatusFinding {
		return &StatusMismatchError{ProductID: productID, Status: product.Status, Action: "submit offer"}
	}
	return c.records.CreateOffer(ctx, session.Credential, productID, cost)
}

// AcceptOffer matches the listing to one waiting offer. Legal only while the
// product is still finding; once matched, further accepts must fail closed
// because the backend permits at most one accepted offer.
func (c *Coordinator) AcceptOffer(ctx context.Context, session Session, productID, offerID int64) error {
	if session.Credential.Empty() {
		return ErrAuthRequired
	}
	product, err := c.loadProduct(ctx, productID)
	if err != nil {
		return err
	}
	if product.Status != StatusFinding {
		return &StatusMismatchError{ProductID: productID, Status: product.Status, Action: "accept offer"}
	}
	offer, err := c.findOffer(product, offerID)
	if err != nil {
		return err
	}
	if offer.Status != OfferWaiting {
		return &StatusMismatchError{ProductID: productID, Status: product.Status, Action: fmt.Sprintf("accept offer in state %q", offer.Status)}
	}
	if err := c.records.AcceptOffer(ctx, session.Credential, offerID); err != nil {
		return err
	}
	c.logger.Info("offer accepted", "product", productID, "offer", offerID)
	return nil
}

// RefuseOffer declines a waiting offer without affecting the listing.
func (c *Coordinator) RefuseOffer(ctx context.Context, session Session, productID, offerID int64) error {
	if session.Credential.Empty() {
		return ErrAuthRequired
	}
	product, err := c.loadProduct(ctx, productID)
	if err != nil {
		return err
	}
	if product.Status != StatusFinding {
		return &StatusMismatchError{ProductID: productID, Status: product.Status, Action: "refuse offer"}
	}
	offer, err := c.findOffer(product, offerID)
	if err != nil {
		return err
	}
	if offer.Status != OfferWaiting {
		return &StatusMismatchError{ProductID: productID, Status: product.Status, Action: fmt.Sprintf("refuse offer in state %q", offer.Status)}
	}
	return c.records.RefuseOffer(ctx, session.Credential, offerID)
}

// WithdrawOffer deletes the bidder's own waiting offer.
func (c *Coordinator) WithdrawOffer(ctx context.Context, session Session, productID, offerID int64) error {
	if session.Credential.Empty() {
		return ErrAuthRequired
	}
	product, err := c.loadProduct(ctx, productID)
	if err != nil {
		return err
	}
	offer, err := c.findOffer(product, offerID)
	if err != nil {
		return err
	}
	if offer.Status == OfferAccepted {
		return &StatusMismatchError{ProductID: productID, Status: product.Status, Action: "withdraw accepted offer"}
	}
	return c.records.RemoveOffer(ctx, session.Credential, offerID)
}

// DeleteListing removes a product that has not been matched to a buyer.
func (c *Coordinator) DeleteListing(ctx context.Context, session Session, productID int64) error {
	if session.Credential.Empty() {
		return ErrAuthRequired
	}
	product, err := c.loadProduct(ctx, productID)
	if err != nil {
		return err
	}
	if product.Status != StatusFinding {
		return &StatusMismatchError{ProductID: productID, Status: product.Status, Action: "delete listing"}
	}
	if product.AcceptedOffer() != nil {
		return &StatusMismatchError{ProductID: productID, Status: product.Status, Action: "delete listing with accepted offer"}
	}
	return c.records.RemoveProduct(ctx, session.Credential, productID)
}

// RegisterEscrow creates the on-chain escrow for a matched product, paying
// the seller's reputation-weighted fee. The backend projects the product to
// pending once the contract event is observed; the coordinator makes no
// backend mutation itself.
func (c *Coordinator) RegisterEscrow(ctx context.Context, session Session, productID int64) (string, error) {
	if session.Credential.Empty() {
		return "", ErrAuthRequired
	}
	if strings.TrimSpace(session.Wallet) == "" {
		return "", ErrWalletUnavailable
	}
	product, err := c.loadProduct(ctx, productID)
	if err != nil {
		return "", err
	}
	if product.Status != StatusMatched {
		return "", &StatusMismatchError{ProductID: productID, Status: product.Status, Action: "register escrow"}
	}
	manner, err := c.chain.Manner(ctx, session.Wallet)
	if err != nil {
		return "", err
	}
	fee, err := FeeWei(manner, product.Cost)
	if err != nil {
		return "", err
	}
	submit := func(ctx context.Context) (Submission, error) {
		return c.chain.Register(ctx, product.EscrowName(), product.Cost, fee)
	}
	return c.settle(ctx, product.EscrowKey(), "register", submit)
}

// Deposit pays the fee plus the full cost into the escrow. The contract must
// still be awaiting the deposit; a lagging backend projection is not trusted.
func (c *Coordinator) Deposit(ctx context.Context, session Session, productID int64) (string, error) {
	if session.Credential.Empty() {
		return "", ErrAuthRequired
	}
	if strings.TrimSpace(session.Wallet) == "" {
		return "", ErrWalletUnavailable
	}
	product, err := c.loadProduct(ctx, productID)
	if err != nil {
		return "", err
	}
	if product.Status != StatusPending {
		return "", &StatusMismatchError{ProductID: productID, Status: product.Status, Action: "deposit"}
	}
	key := product.EscrowKey()
	if err := c.requirePhase(ctx, key, PhaseAwaitingDeposit); err != nil {
		return "", err
	}
	manner, err := c.chain.Manner(ctx, session.Wallet)
	if err != nil {
		return "", err
	}
	value, err := DepositWei(manner, product.Cost)
	if err != nil {
		return "", err
	}
	submit := func(ctx context.Context) (Submission, error) {
		return c.chain.Advance(ctx, key, value)
	}
	return c.settle(ctx, key, "deposit", submit)
}

// Ship advances a deposited escrow to the shipping phase. No value attaches.
func (c *Coordinator) Ship(ctx context.Context, session Session, productID int64) (string, error) {
	return c.advanceNoValue(ctx, session, productID, StatusProcessing, PhaseAwaitingShipment, "ship")
}

// ConfirmReceipt releases the escrowed funds on the buyer's confirmation.
// Terminal on success.
func (c *Coordinator) ConfirmReceipt(ctx context.Context, session Session, productID int64) (string, error) {
	return c.advanceNoValue(ctx, session, productID, StatusShipping, PhaseAwaitingReceipt, "confirm receipt")
}

func (c *Coordinator) advanceNoValue(ctx context.Context, session Session, productID int64, wantStatus ProductStatus, wantPhase EscrowPhase, action string) (string, error) {
	if session.Credential.Empty() {
		return "", ErrAuthRequired
	}
	if strings.TrimSpace(session.Wallet) == "" {
		return "", ErrWalletUnavailable
	}
	product, err := c.loadProduct(ctx, productID)
	if err != nil {
		return "", err
	}
	if product.Status != wantStatus {
		return "", &StatusMismatchError{ProductID: productID, Status: product.Status, Action: action}
	}
	key := product.EscrowKey()
	if err := c.requirePhase(ctx, key, wantPhase); err != nil {
		return "", err
	}
	submit := func(ctx context.Context) (Submission, error) {
		return c.chain.Advance(ctx, key, nil)
	}
	return c.settle(ctx, key, action, submit)
}

// Cancel moves the escrow to its terminal cancelled state. Legal for either
// party from matched through shipping; never from finding or a terminal
// state. No value and no fee attach.
func (c *Coordinator) Cancel(ctx context.Context, session Session, productID int64) (string, error) {
	if session.Credential.Empty() {
		return "", ErrAuthRequired
	}
	if strings.TrimSpace(session.Wallet) == "" {
		return "", ErrWalletUnavailable
	}
	product, err := c.loadProduct(ctx, productID)
	if err != nil {
		return "", err
	}
	if !product.Status.Cancellable() {
		return "", &StatusMismatchError{ProductID: productID, Status: product.Status, Action: "cancel"}
	}
	key := product.EscrowKey()
	submit := func(ctx context.Context) (Submission, error) {
		return c.chain.Cancel(ctx, key)
	}
	return c.settle(ctx, key, "cancel", submit)
}

// requirePhase re-reads the contract immediately before a state-changing
// call and fails closed on mismatch, issuing no transaction. This is the
// only defence against double-spend/double-ship races while the off-chain
// projection lags.
func (c *Coordinator) requirePhase(ctx context.Context, key *big.Int, want EscrowPhase) error {
	got, err := c.chain.ProductState(ctx, key)
	if err != nil {
		return err
	}
	if got != want {
		return &StateMismatchError{Key: key, Want: want, Got: got}
	}
	return nil
}

// settle submits exactly one transaction under the per-key in-flight guard
// and blocks until its receipt resolves. A revert surfaces as RevertError and
// leaves all off-chain records untouched.
func (c *Coordinator) settle(ctx context.Context, key *big.Int, action string, submit func(context.Context) (Submission, error)) (string, error) {
	c.mu.Lock()
	if prior, ok := c.inflight[key.String()]; ok {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s (tx %s)", ErrTxInFlight, key.String(), prior)
	}
	c.inflight[key.String()] = ""
	c.mu.Unlock()
	defer c.finish(key)

	started := c.nowFn()
	sub, err := submit(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.inflight[key.String()] = sub.Hash()
	c.mu.Unlock()

	if err := sub.Wait(ctx); err != nil {
		c.logger.Warn("settlement failed", "action", action, "key", key.String(), "tx", sub.Hash(), "err", err)
		return sub.Hash(), err
	}
	c.logger.Info("settlement confirmed",
		"action", action,
		"key", key.String(),
		"tx", sub.Hash(),
		"took", c.nowFn().Sub(started).String(),
	)
	return sub.Hash(), nil
}
