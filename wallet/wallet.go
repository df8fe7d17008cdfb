// Package wallet implements the request broker: the single owner of the
// pending-request store, the per-origin authorization records, and the chain
// metadata registry.  Inbound page requests are validated, queued for the
// approval surface, resolved exactly once by an operator decision or an
// origin closure, and answered back to the origin in decision order.
package wallet

import (
	"net/url"
	"sync"
	"time"

	"github.com/extsuite/extwallet/keymgr"
	"github.com/extsuite/extwallet/reqmgr"
	"github.com/extsuite/extwallet/walletdb"
	"github.com/lightningnetwork/lnd/clock"
)

// Namespace keys for the top level buckets this package owns or opens.
var (
	keymgrNamespaceKey = []byte("keymgr")
	reqmgrNamespaceKey = []byte("reqmgr")
	brokerNamespaceKey = []byte("broker")
)

// Response is the terminal outcome delivered to an origin for one request.
// Exactly one of the payload fields is meaningful for a given request kind;
// Err carries the structured rejection when the request was refused.
type Response struct {
	// Accounts is the set of addresses an approved authorize request may
	// see.
	Accounts []keymgr.Address

	// Signature is the result of an approved sign request.
	Signature []byte

	// Accepted reports an approved metadata request.
	Accepted bool

	// Err is the structured rejection, nil on approval.
	Err error
}

// Decision is the operator's verdict on a pending request, submitted by the
// approval surface.
type Decision struct {
	Approve bool

	// Accounts is the set of addresses granted to an approved authorize
	// request.  Ignored for other kinds.
	Accounts []keymgr.Address

	// Blanket grants an approved authorize request access to all current
	// and future accounts.
	Blanket bool

	// Reason annotates a rejection.
	Reason string
}

// resolver tracks the suspended continuation of one pending request.  It is
// owned by the broker goroutine; the done flag is the single-resolution
// guard.
type resolver struct {
	req  reqmgr.Request
	resp chan Response
	done bool
}

// delivery is one slot in the ordered notification queue.  Slots are
// enqueued in decision order; the sender goroutine waits on ready before
// delivering, so a slow signing operation holds its place in line without
// blocking the broker.
type delivery struct {
	ready chan struct{}
	resp  Response
	dest  chan Response
}

// deliveryQueue is a FIFO of delivery slots consumed by the sender
// goroutine.
type deliveryQueue struct {
	mtx    sync.Mutex
	slots  []*delivery
	notify chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{notify: make(chan struct{}, 1)}
}

func (q *deliveryQueue) push(d *delivery) {
	q.mtx.Lock()
	q.slots = append(q.slots, d)
	q.mtx.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) pop() *delivery {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if len(q.slots) == 0 {
		return nil
	}
	d := q.slots[0]
	q.slots = q.slots[1:]
	return d
}

// Broker events.
type admitEvent struct {
	req    *reqmgr.Request
	result chan admitResult
}

type admitResult struct {
	resp <-chan Response
	err  error
}

type decideEvent struct {
	id       string
	decision Decision
	err      chan error
}

type tabClosedEvent struct {
	tabID int64
}

// Wallet is the broker.  All mutation of the request store, authorization
// records, and metadata registry is serialized through its event loop.
type Wallet struct {
	db      walletdb.DB
	Manager *keymgr.Manager

	store  *reqmgr.Store
	auths  *authSet
	chains *metaRegistry

	clk clock.Clock

	// resolvers is owned by the broker goroutine.
	resolvers map[string]*resolver

	admitChan  chan *admitEvent
	decideChan chan *decideEvent
	tabChan    chan tabClosedEvent

	deliveries *deliveryQueue

	started   bool
	quit      chan struct{}
	quitMu    sync.Mutex
	wg        sync.WaitGroup
	lockTimer *time.Timer
	lockMu    sync.Mutex
}

// Create initializes the database structure for a new wallet and creates the
// keyring secured by the given passphrases.
func Create(db walletdb.DB, pubPassphrase, privPassphrase []byte,
	scrypt *keymgr.ScryptOptions) error {

	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		keymgrNs, err := tx.CreateTopLevelBucket(keymgrNamespaceKey)
		if err != nil {
			return err
		}
		if err := keymgr.Create(keymgrNs, pubPassphrase,
			privPassphrase, scrypt); err != nil {
			return err
		}

		reqmgrNs, err := tx.CreateTopLevelBucket(reqmgrNamespaceKey)
		if err != nil {
			return err
		}
		if err := reqmgr.CreateBuckets(reqmgrNs); err != nil {
			return err
		}

		brokerNs, err := tx.CreateTopLevelBucket(brokerNamespaceKey)
		if err != nil {
			return err
		}
		if _, err := brokerNs.CreateBucketIfNotExists(authBucketName); err != nil {
			return err
		}
		_, err = brokerNs.CreateBucketIfNotExists(chainMetaBucketName)
		return err
	})
}

// Open loads an existing wallet from the database.  The public passphrase
// decrypts the account metadata; the keyring starts locked.
func Open(db walletdb.DB, pubPassphrase []byte, clk clock.Clock) (*Wallet, error) {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	var (
		mgr    *keymgr.Manager
		store  *reqmgr.Store
		auths  *authSet
		chains *metaRegistry
	)
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		var err error
		mgr, err = keymgr.Open(tx.ReadBucket(keymgrNamespaceKey), pubPassphrase)
		if err != nil {
			return err
		}
		store, err = reqmgr.Open(tx.ReadBucket(reqmgrNamespaceKey))
		if err != nil {
			return err
		}
		brokerNs := tx.ReadBucket(brokerNamespaceKey)
		auths, err = loadAuthSet(brokerNs)
		if err != nil {
			return err
		}
		chains, err = loadMetaRegistry(brokerNs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if n := store.Count(); n > 0 {
		log.Infof("Re-queued %d pending request(s) from previous run", n)
	}

	w := &Wallet{
		db:         db,
		Manager:    mgr,
		store:      store,
		auths:      auths,
		chains:     chains,
		clk:        clk,
		resolvers:  make(map[string]*resolver),
		admitChan:  make(chan *admitEvent),
		decideChan: make(chan *decideEvent),
		tabChan:    make(chan tabClosedEvent),
		deliveries: newDeliveryQueue(),
		quit:       make(chan struct{}),
	}

	// Requests reloaded from a previous run have no live continuation to
	// resume; register fresh resolvers so they can still be decided, with
	// delivery going nowhere but state transitions intact.
	for _, req := range store.Pending() {
		w.resolvers[req.ID] = &resolver{
			req:  req,
			resp: make(chan Response, 1),
		}
	}

	return w, nil
}

// Start launches the broker goroutines.  It is a no-op when the broker has
// already started.
func (w *Wallet) Start() {
	w.quitMu.Lock()
	select {
	case <-w.quit:
		// Restarting after a stop replaces the quit channel.
		w.WaitForShutdown()
		w.quit = make(chan struct{})
	default:
		if w.started {
			w.quitMu.Unlock()
			return
		}
		w.started = true
	}
	w.quitMu.Unlock()

	w.wg.Add(2)
	go w.brokerHandler()
	go w.deliveryHandler()
}

// quitChan atomically reads the quit channel.
func (w *Wallet) quitChan() <-chan struct{} {
	w.quitMu.Lock()
	c := w.quit
	w.quitMu.Unlock()
	return c
}

// Stop signals all wallet goroutines to shutdown.
func (w *Wallet) Stop() {
	w.quitMu.Lock()
	quit := w.quit
	w.quitMu.Unlock()

	select {
	case <-quit:
	default:
		close(quit)
	}
}

// ShuttingDown returns whether the wallet is currently in the process of
// shutting down or not.
func (w *Wallet) ShuttingDown() bool {
	select {
	case <-w.quitChan():
		return true
	default:
		return false
	}
}

// WaitForShutdown blocks until all wallet goroutines have finished.
func (w *Wallet) WaitForShutdown() {
	w.wg.Wait()
}

// validateOrigin rejects origins that do not parse as absolute http(s) URLs.
func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return rejection(RejectValidation, "malformed origin %q", origin)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return rejection(RejectValidation, "origin %q is not an "+
			"absolute http or https URL", origin)
	}
	return nil
}

// RequestAuthorize admits an authorize request from the given origin.  The
// returned channel resolves with the operator's decision, or immediately when
// the origin is already blanket-allowed and no account narrowing was asked
// for.  Malformed requests fail synchronously and are never queued.
func (w *Wallet) RequestAuthorize(origin string, tabID int64, scope string,
	accounts []keymgr.Address) (<-chan Response, error) {

	if err := validateOrigin(origin); err != nil {
		return nil, err
	}
	for _, addr := range accounts {
		if _, err := w.Manager.LookupAccount(addr); err != nil {
			return nil, rejection(RejectValidation,
				"unknown account %s in authorize scope", addr)
		}
	}

	req := &reqmgr.Request{
		Kind:   reqmgr.KindAuthorize,
		Origin: origin,
		TabID:  tabID,
		Authorize: &reqmgr.AuthorizeDetail{
			Scope:    scope,
			Accounts: accounts,
		},
	}
	return w.admit(req)
}

// RequestSign admits a sign request from the given origin.  The returned
// channel resolves with a signature on approval or a structured rejection.
func (w *Wallet) RequestSign(origin string, tabID int64, addr keymgr.Address,
	payload []byte, isRaw bool) (<-chan Response, error) {

	if err := validateOrigin(origin); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, rejection(RejectValidation, "empty signing payload")
	}
	if _, err := w.Manager.LookupAccount(addr); err != nil {
		return nil, rejection(RejectValidation,
			"unknown signing account %s", addr)
	}

	req := &reqmgr.Request{
		Kind:   reqmgr.KindSign,
		Origin: origin,
		TabID:  tabID,
		Sign: &reqmgr.SignDetail{
			Address: addr,
			Payload: payload,
			IsRaw:   isRaw,
		},
	}
	return w.admit(req)
}

// RequestAddMetadata admits a metadata request from the given origin.  The
// returned channel resolves with a boolean acceptance or a structured
// rejection.  Definitions that would not advance a known chain are refused
// synchronously.
func (w *Wallet) RequestAddMetadata(origin string, tabID int64,
	def *reqmgr.MetadataDef) (<-chan Response, error) {

	if err := validateOrigin(origin); err != nil {
		return nil, err
	}
	if def == nil || def.GenesisHash == "" || def.Chain == "" {
		return nil, rejection(RejectValidation,
			"metadata definition is missing its chain or genesis hash")
	}
	if err := w.chains.checkUpsert(def); err != nil {
		return nil, err
	}

	defCopy := *def
	req := &reqmgr.Request{
		Kind:     reqmgr.KindMetadata,
		Origin:   origin,
		TabID:    tabID,
		Metadata: &defCopy,
	}
	return w.admit(req)
}

// admit hands a validated request to the broker goroutine and waits for the
// admission result.
func (w *Wallet) admit(req *reqmgr.Request) (<-chan Response, error) {
	req.WhenCreated = w.clk.Now()

	ev := &admitEvent{req: req, result: make(chan admitResult, 1)}
	select {
	case w.admitChan <- ev:
	case <-w.quitChan():
		return nil, ErrWalletShuttingDown
	}
	select {
	case res := <-ev.result:
		return res.resp, res.err
	case <-w.quitChan():
		return nil, ErrWalletShuttingDown
	}
}

// Decide applies the operator's verdict to a pending request.  Deciding an
// id that is no longer pending is a harmless no-op.  An error is returned
// only when the decision could not be applied and the request remains
// pending (for example approving a sign request while the keyring is
// locked).
func (w *Wallet) Decide(id string, decision Decision) error {
	ev := &decideEvent{id: id, decision: decision, err: make(chan error, 1)}
	select {
	case w.decideChan <- ev:
	case <-w.quitChan():
		return ErrWalletShuttingDown
	}
	select {
	case err := <-ev.err:
		return err
	case <-w.quitChan():
		return ErrWalletShuttingDown
	}
}

// TabClosed informs the broker that a tab has gone away.  Every request the
// tab still has pending transitions to a rejected origin-gone outcome.
func (w *Wallet) TabClosed(tabID int64) {
	select {
	case w.tabChan <- tabClosedEvent{tabID: tabID}:
	case <-w.quitChan():
	}
}

// ListPending returns the secret-free snapshot of all pending requests,
// oldest first.
func (w *Wallet) ListPending() []reqmgr.Request {
	return w.store.Pending()
}

// ListPendingForTab returns the pending requests of one tab, oldest first.
func (w *Wallet) ListPendingForTab(tabID int64) []reqmgr.Request {
	return w.store.PendingForTab(tabID)
}

// PendingCount returns the number of pending requests.
func (w *Wallet) PendingCount() int {
	return w.store.Count()
}

// brokerHandler is the event loop that owns all request state transitions.
// Events are processed one at a time in arrival order; operations that wait
// on external actors never run inside it.
func (w *Wallet) brokerHandler() {
	defer w.wg.Done()

	quit := w.quitChan()
	for {
		select {
		case ev := <-w.admitChan:
			ev.result <- w.handleAdmit(ev.req)

		case ev := <-w.decideChan:
			ev.err <- w.handleDecide(ev.id, ev.decision)

		case ev := <-w.tabChan:
			w.handleTabClosed(ev.tabID)

		case <-quit:
			// Outstanding continuations are abandoned; pending
			// requests stay in the store and are re-queued on the
			// next open.
			return
		}
	}
}

// handleAdmit queues a validated request, or short-circuits the authorize
// fast path for blanket-allowed origins.
func (w *Wallet) handleAdmit(req *reqmgr.Request) admitResult {
	// Fast path: an origin that is already blanket-allowed gets its
	// account list back without operator involvement, unless the request
	// narrows the scope to specific accounts.  Narrowed or otherwise
	// ambiguous requests fall through to the operator.
	if req.Kind == reqmgr.KindAuthorize && len(req.Authorize.Accounts) == 0 {
		if record, ok := w.auths.get(req.Origin); ok && record.IsAllowed {
			err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
				ns := tx.ReadWriteBucket(brokerNamespaceKey)
				return w.auths.touch(ns, req.Origin, w.clk.Now())
			})
			if err != nil {
				log.Errorf("Failed to update last-used for "+
					"origin %s: %v", req.Origin, err)
			}

			resp := make(chan Response, 1)
			w.enqueueResolved(resp, Response{
				Accounts: w.visibleAddresses(),
			})
			log.Debugf("Auto-approved authorize request from "+
				"blanket-allowed origin %s", req.Origin)
			return admitResult{resp: resp}
		}
	}

	var id string
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(reqmgrNamespaceKey)
		var err error
		id, err = w.store.Insert(ns, req)
		return err
	})
	if err != nil {
		return admitResult{err: err}
	}

	r := &resolver{req: *req, resp: make(chan Response, 1)}
	w.resolvers[id] = r
	log.Infof("Queued %v request %s from %s (tab %d), %d pending",
		req.Kind, id, req.Origin, req.TabID, w.store.Count())
	return admitResult{resp: r.resp}
}

// handleDecide applies one operator decision with the single-resolution
// guard.  A missing or already resolved id is a no-op.
func (w *Wallet) handleDecide(id string, decision Decision) error {
	r, ok := w.resolvers[id]
	if !ok || r.done {
		log.Debugf("Ignoring decision for request %s: not pending", id)
		return nil
	}

	switch r.req.Kind {
	case reqmgr.KindAuthorize:
		return w.decideAuthorize(r, decision)
	case reqmgr.KindSign:
		return w.decideSign(r, decision)
	case reqmgr.KindMetadata:
		return w.decideMetadata(r, decision)
	}
	return nil
}

// decideAuthorize finalizes an authorize request.  Approval upserts the
// origin's authorization record in the same transaction that removes the
// request.
func (w *Wallet) decideAuthorize(r *resolver, decision Decision) error {
	if !decision.Approve {
		w.finalize(r, Response{Err: rejection(RejectAuthorizationDenied,
			reasonOr(decision.Reason, "authorization denied"))})
		return nil
	}

	record := &AuthorizationRecord{
		Origin:    r.req.Origin,
		Accounts:  decision.Accounts,
		IsAllowed: decision.Blanket,
		LastUsed:  w.clk.Now(),
	}
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		brokerNs := tx.ReadWriteBucket(brokerNamespaceKey)
		if err := w.auths.put(brokerNs, record); err != nil {
			return err
		}
		reqNs := tx.ReadWriteBucket(reqmgrNamespaceKey)
		return w.store.Remove(reqNs, r.req.ID)
	})
	if err != nil {
		return err
	}

	granted := decision.Accounts
	if decision.Blanket {
		granted = w.visibleAddresses()
	}
	w.finalizeRemoved(r, Response{Accounts: granted})
	return nil
}

// decideSign finalizes a sign request.  The signature itself is produced off
// the event loop; the response slot is enqueued now so notification order
// follows decision order.
func (w *Wallet) decideSign(r *resolver, decision Decision) error {
	if !decision.Approve {
		w.finalize(r, Response{Err: rejection(RejectAuthorizationDenied,
			reasonOr(decision.Reason, "signing denied"))})
		return nil
	}

	// Approving a software-keyed sign request needs the keyring unlocked.
	// Refuse the decision and leave the request pending so the operator
	// can unlock and retry; the resolution guard is not consumed.
	account, err := w.Manager.LookupAccount(r.req.Sign.Address)
	if err != nil {
		w.finalize(r, Response{Err: rejection(RejectInternal,
			"signing account no longer exists")})
		return nil
	}
	if !account.Flags.IsHardware && w.Manager.IsLocked() {
		return keymgr.KeyringError{
			ErrorCode:   keymgr.ErrLocked,
			Description: "keyring must be unlocked to sign",
		}
	}

	if err := w.removeFromStore(r.req.ID); err != nil {
		return err
	}

	r.done = true
	delete(w.resolvers, r.req.ID)

	// Claim the delivery slot in decision order, then sign outside the
	// event loop.
	d := &delivery{ready: make(chan struct{}), dest: r.resp}
	w.deliveries.push(d)

	detail := r.req.Sign
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(d.ready)

		sig, err := w.signForRequest(detail)
		if err != nil {
			d.resp = Response{Err: err}
			return
		}
		d.resp = Response{Signature: sig}
	}()
	return nil
}

// signForRequest produces the signature for an approved sign request,
// mapping keyring failures to structured rejections.
func (w *Wallet) signForRequest(detail *reqmgr.SignDetail) ([]byte, error) {
	var sig []byte
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(keymgrNamespaceKey)
		var err error
		sig, err = w.Manager.SignPayload(ns, detail.Address, detail.Payload)
		return err
	})
	if err != nil {
		switch {
		case keymgr.IsError(err, keymgr.ErrSigningDeclined):
			return nil, rejection(RejectSigningDeclined,
				"signing declined on device")
		case keymgr.IsError(err, keymgr.ErrDeviceUnavailable):
			return nil, rejection(RejectDeviceUnavailable,
				"signing device unavailable")
		}
		log.Errorf("Signing failed for account %s: %v", detail.Address, err)
		return nil, rejection(RejectInternal, "signing failed")
	}
	return sig, nil
}

// decideMetadata finalizes a metadata request, persisting the chain
// definition on approval.
func (w *Wallet) decideMetadata(r *resolver, decision Decision) error {
	if !decision.Approve {
		w.finalize(r, Response{Err: rejection(RejectAuthorizationDenied,
			reasonOr(decision.Reason, "metadata rejected"))})
		return nil
	}

	// The registry may have advanced while this request sat pending.
	if err := w.chains.checkUpsert(r.req.Metadata); err != nil {
		w.finalize(r, Response{Err: err})
		return nil
	}

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		brokerNs := tx.ReadWriteBucket(brokerNamespaceKey)
		if err := w.chains.put(brokerNs, r.req.Metadata); err != nil {
			return err
		}
		reqNs := tx.ReadWriteBucket(reqmgrNamespaceKey)
		return w.store.Remove(reqNs, r.req.ID)
	})
	if err != nil {
		return err
	}

	log.Infof("Registered metadata for chain %s (spec version %d)",
		r.req.Metadata.Chain, r.req.Metadata.SpecVersion)
	w.finalizeRemoved(r, Response{Accepted: true})
	return nil
}

// handleTabClosed rejects every request the closed tab still has pending.
func (w *Wallet) handleTabClosed(tabID int64) {
	for _, id := range w.store.IDsForTab(tabID) {
		r, ok := w.resolvers[id]
		if !ok || r.done {
			continue
		}
		log.Infof("Cancelling request %s: origin tab %d closed", id, tabID)
		w.finalize(r, Response{Err: rejection(RejectOriginGone,
			"originating tab closed")})
	}
}

// removeFromStore deletes a request from the durable store.
func (w *Wallet) removeFromStore(id string) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(reqmgrNamespaceKey)
		return w.store.Remove(ns, id)
	})
}

// finalize removes the request from the store, consumes its resolution
// guard, and enqueues the response for in-order delivery.
func (w *Wallet) finalize(r *resolver, resp Response) {
	if err := w.removeFromStore(r.req.ID); err != nil {
		log.Errorf("Failed to remove request %s: %v", r.req.ID, err)
	}
	w.finalizeRemoved(r, resp)
}

// finalizeRemoved is finalize for callers that already removed the request
// from the store in their own transaction.
func (w *Wallet) finalizeRemoved(r *resolver, resp Response) {
	r.done = true
	delete(w.resolvers, r.req.ID)
	w.enqueueResolved(r.resp, resp)
}

// enqueueResolved pushes an already complete response into the ordered
// delivery queue.
func (w *Wallet) enqueueResolved(dest chan Response, resp Response) {
	d := &delivery{ready: make(chan struct{}), dest: dest, resp: resp}
	close(d.ready)
	w.deliveries.push(d)
}

// deliveryHandler drains the delivery queue, preserving decision order even
// when an earlier slot is still being signed.
func (w *Wallet) deliveryHandler() {
	defer w.wg.Done()

	quit := w.quitChan()
	for {
		select {
		case <-w.deliveries.notify:
			for {
				d := w.deliveries.pop()
				if d == nil {
					break
				}
				select {
				case <-d.ready:
				case <-quit:
					return
				}
				// Response channels are buffered so delivery
				// never blocks on an absent reader.
				d.dest <- d.resp
			}

		case <-quit:
			return
		}
	}
}

// reasonOr returns the reason or a default when it is empty.
func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// visibleAddresses returns the addresses of all non-hidden accounts sorted
// by creation time then address.
func (w *Wallet) visibleAddresses() []keymgr.Address {
	accounts := w.Manager.Accounts()
	filtered := accounts[:0]
	for _, account := range accounts {
		if !account.Flags.IsHidden {
			filtered = append(filtered, account)
		}
	}
	sortAccounts(filtered)

	addrs := make([]keymgr.Address, len(filtered))
	for i, account := range filtered {
		addrs[i] = account.Address
	}
	return addrs
}
