package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/money"
)

type scanner interface {
	Scan(dest ...any) error
}

// notFound maps sql.ErrNoRows to a NotFound error and wraps anything else.
func notFound(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(entity, id)
	}
	return fmt.Errorf("get %s %s: %w", entity, id, err)
}

// affected returns NotFound when an UPDATE matched no row.
func affected(res sql.Result, err error, entity, id string) error {
	if err != nil {
		return fmt.Errorf("update %s %s: %w", entity, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", entity, id, err)
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}

// --- accounts ---

type accountRepo struct{ q *sql.Tx }

const accountColumns = `id, name, email, phone, role, tier, subscription_active,
	total_credits, used_credits, suspended, suspended_reason, created_at, updated_at`

func scanAccount(row scanner) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Phone, &a.Role, &a.Tier, &a.SubscriptionActive,
		&a.TotalCredits, &a.UsedCredits, &a.Suspended, &a.SuspendedReason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r accountRepo) get(ctx context.Context, id, lock string) (*domain.Account, error) {
	a, err := scanAccount(r.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`+lock, id))
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return a, nil
}

func (r accountRepo) Get(ctx context.Context, id string) (*domain.Account, error) {
	return r.get(ctx, id, "")
}

func (r accountRepo) GetForUpdate(ctx context.Context, id string) (*domain.Account, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r accountRepo) Create(ctx context.Context, a *domain.Account) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.Name, a.Email, a.Phone, string(a.Role), string(a.Tier), a.SubscriptionActive,
		a.TotalCredits, a.UsedCredits, a.Suspended, a.SuspendedReason, a.CreatedAt, a.UpdatedAt)
	if _, dup := uniqueViolation(err); dup {
		return apperr.New(apperr.KindAlreadyExists, "account %s already exists", a.ID)
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r accountRepo) SetCredits(ctx context.Context, id string, total, used int64, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE accounts SET total_credits = $2, used_credits = $3, updated_at = $4 WHERE id = $1`,
		id, total, used, at)
	return affected(res, err, "account", id)
}

func (r accountRepo) SetSuspended(ctx context.Context, id string, suspended bool, reason string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE accounts SET suspended = $2, suspended_reason = $3, updated_at = $4 WHERE id = $1`,
		id, suspended, reason, at)
	return affected(res, err, "account", id)
}

// --- listings ---

type listingRepo struct{ q *sql.Tx }

const listingColumns = `id, seller_id, title, asking_price, status, restricted, created_at, updated_at`

func (r listingRepo) get(ctx context.Context, id, lock string) (*domain.Listing, error) {
	var (
		l     domain.Listing
		price int64
	)
	err := r.q.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`+lock, id).
		Scan(&l.ID, &l.SellerID, &l.Title, &price, &l.Status, &l.Restricted, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "listing", id)
	}
	l.AskingPrice = money.Amount(price)
	return &l, nil
}

func (r listingRepo) Get(ctx context.Context, id string) (*domain.Listing, error) {
	return r.get(ctx, id, "")
}

func (r listingRepo) GetForUpdate(ctx context.Context, id string) (*domain.Listing, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r listingRepo) Create(ctx context.Context, l *domain.Listing) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.SellerID, l.Title, l.AskingPrice.Cents(), string(l.Status), l.Restricted, l.CreatedAt, l.UpdatedAt)
	if _, dup := uniqueViolation(err); dup {
		return apperr.New(apperr.KindAlreadyExists, "listing %s already exists", l.ID)
	}
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (r listingRepo) SetStatus(ctx context.Context, id string, status domain.ListingStatus, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE listings SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), at)
	return affected(res, err, "listing", id)
}

// --- offers ---

type offerRepo struct{ q *sql.Tx }

const offerColumns = `id, listing_id, buyer_id, seller_id, amount, counter_amount, buy_now,
	message, status, reject_reason, created_at, updated_at`

func scanOffer(row scanner) (*domain.Offer, error) {
	var (
		o       domain.Offer
		amount  int64
		counter sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &amount, &counter, &o.BuyNow,
		&o.Message, &o.Status, &o.RejectReason, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Amount = money.Amount(amount)
	if counter.Valid {
		c := money.Amount(counter.Int64)
		o.CounterAmount = &c
	}
	return &o, nil
}

func counterValue(c *money.Amount) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: c.Cents(), Valid: true}
}

func (r offerRepo) get(ctx context.Context, id, lock string) (*domain.Offer, error) {
	o, err := scanOffer(r.q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`+lock, id))
	if err != nil {
		return nil, notFound(err, "offer", id)
	}
	return o, nil
}

func (r offerRepo) Get(ctx context.Context, id string) (*domain.Offer, error) {
	return r.get(ctx, id, "")
}

func (r offerRepo) GetForUpdate(ctx context.Context, id string) (*domain.Offer, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r offerRepo) Create(ctx context.Context, o *domain.Offer) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.ListingID, o.BuyerID, o.SellerID, o.Amount.Cents(), counterValue(o.CounterAmount), o.BuyNow,
		o.Message, string(o.Status), o.RejectReason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func (r offerRepo) Update(ctx context.Context, o *domain.Offer) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE offers SET amount = $2, counter_amount = $3, message = $4, status = $5,
			reject_reason = $6, updated_at = $7
		WHERE id = $1`,
		o.ID, o.Amount.Cents(), counterValue(o.CounterAmount), o.Message, string(o.Status),
		o.RejectReason, o.UpdatedAt)
	return affected(res, err, "offer", o.ID)
}

func (r offerRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Offer, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r offerRepo) ListOpenByListing(ctx context.Context, listingID string) ([]*domain.Offer, error) {
	return r.list(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1 AND status IN ('pending', 'countered')
		ORDER BY created_at, id
		FOR UPDATE`, listingID)
}

func (r offerRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Offer, error) {
	return r.list(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limitOrAll(limit))
}

// --- transactions ---

type transactionRepo struct{ q *sql.Tx }

const transactionColumns = `id, offer_id, listing_id, buyer_id, seller_id, price, deposit_amount,
	platform_fee, final_amount, status, buyer_accepted_terms, seller_accepted_terms, buyer_approved,
	seller_approved, dispute_reason, disputed_from, cancel_reason, buyer_terms_at, seller_terms_at,
	deposit_received_at, buyer_approved_at, seller_approved_at, admin_approved_at, payment_received_at,
	completed_at, cancelled_at, disputed_at, created_at, updated_at`

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var (
		t                                     domain.Transaction
		price, deposit, fee, final            int64
		buyerTerms, sellerTerms, depositRecv  sql.NullTime
		buyerAppr, sellerAppr, adminAppr      sql.NullTime
		paymentRecv, completed, cancelled, dp sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.OfferID, &t.ListingID, &t.BuyerID, &t.SellerID, &price, &deposit,
		&fee, &final, &t.Status, &t.BuyerAcceptedTerms, &t.SellerAcceptedTerms, &t.BuyerApproved,
		&t.SellerApproved, &t.DisputeReason, &t.DisputedFrom, &t.CancelReason, &buyerTerms, &sellerTerms,
		&depositRecv, &buyerAppr, &sellerAppr, &adminAppr, &paymentRecv,
		&completed, &cancelled, &dp, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Price = money.Amount(price)
	t.DepositAmount = money.Amount(deposit)
	t.PlatformFee = money.Amount(fee)
	t.FinalAmount = money.Amount(final)
	t.BuyerTermsAt = timePtr(buyerTerms)
	t.SellerTermsAt = timePtr(sellerTerms)
	t.DepositReceivedAt = timePtr(depositRecv)
	t.BuyerApprovedAt = timePtr(buyerAppr)
	t.SellerApprovedAt = timePtr(sellerAppr)
	t.AdminApprovedAt = timePtr(adminAppr)
	t.PaymentReceivedAt = timePtr(paymentRecv)
	t.CompletedAt = timePtr(completed)
	t.CancelledAt = timePtr(cancelled)
	t.DisputedAt = timePtr(dp)
	return &t, nil
}

func (r transactionRepo) get(ctx context.Context, id, lock string) (*domain.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`+lock, id))
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return t, nil
}

func (r transactionRepo) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.get(ctx, id, "")
}

func (r transactionRepo) GetForUpdate(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r transactionRepo) Create(ctx context.Context, t *domain.Transaction) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		t.ID, t.OfferID, t.ListingID, t.BuyerID, t.SellerID, t.Price.Cents(), t.DepositAmount.Cents(),
		t.PlatformFee.Cents(), t.FinalAmount.Cents(), string(t.Status), t.BuyerAcceptedTerms,
		t.SellerAcceptedTerms, t.BuyerApproved, t.SellerApproved, t.DisputeReason, string(t.DisputedFrom),
		t.CancelReason, nullTime(t.BuyerTermsAt), nullTime(t.SellerTermsAt), nullTime(t.DepositReceivedAt),
		nullTime(t.BuyerApprovedAt), nullTime(t.SellerApprovedAt), nullTime(t.AdminApprovedAt),
		nullTime(t.PaymentReceivedAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt),
		nullTime(t.DisputedAt), t.CreatedAt, t.UpdatedAt)
	if _, dup := uniqueViolation(err); dup {
		return apperr.New(apperr.KindAlreadyExists,
			"listing %s already has a transaction in progress", t.ListingID)
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r transactionRepo) Update(ctx context.Context, t *domain.Transaction) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE transactions SET
			status = $2, buyer_accepted_terms = $3, seller_accepted_terms = $4,
			buyer_approved = $5, seller_approved = $6, dispute_reason = $7, disputed_from = $8,
			cancel_reason = $9, buyer_terms_at = $10, seller_terms_at = $11, deposit_received_at = $12,
			buyer_approved_at = $13, seller_approved_at = $14, admin_approved_at = $15,
			payment_received_at = $16, completed_at = $17, cancelled_at = $18, disputed_at = $19,
			updated_at = $20
		WHERE id = $1`,
		t.ID, string(t.Status), t.BuyerAcceptedTerms, t.SellerAcceptedTerms,
		t.BuyerApproved, t.SellerApproved, t.DisputeReason, string(t.DisputedFrom),
		t.CancelReason, nullTime(t.BuyerTermsAt), nullTime(t.SellerTermsAt), nullTime(t.DepositReceivedAt),
		nullTime(t.BuyerApprovedAt), nullTime(t.SellerApprovedAt), nullTime(t.AdminApprovedAt),
		nullTime(t.PaymentReceivedAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt), nullTime(t.DisputedAt),
		t.UpdatedAt)
	return affected(res, err, "transaction", t.ID)
}

func (r transactionRepo) ActiveByListing(ctx context.Context, listingID string) (*domain.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE listing_id = $1 AND status NOT IN ('completed', 'cancelled')
		LIMIT 1`, listingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "listing %s has no live transaction", listingID)
	}
	if err != nil {
		return nil, fmt.Errorf("active transaction for listing %s: %w", listingID, err)
	}
	return t, nil
}

func (r transactionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- payments ---

type paymentRepo struct{ q *sql.Tx }

const paymentColumns = `id, transaction_id, payer_id, type, amount, method, status, reference,
	verified_by, verified_at, failure_reason, refund_due, created_at, updated_at`

func scanPayment(row scanner) (*domain.Payment, error) {
	var (
		p        domain.Payment
		amount   int64
		verified sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.TransactionID, &p.PayerID, &p.Type, &amount, &p.Method, &p.Status,
		&p.Reference, &p.VerifiedBy, &verified, &p.FailureReason, &p.RefundDue, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Amount = money.Amount(amount)
	p.VerifiedAt = timePtr(verified)
	return &p, nil
}

func (r paymentRepo) get(ctx context.Context, id, lock string) (*domain.Payment, error) {
	p, err := scanPayment(r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`+lock, id))
	if err != nil {
		return nil, notFound(err, "payment", id)
	}
	return p, nil
}

func (r paymentRepo) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return r.get(ctx, id, "")
}

func (r paymentRepo) GetForUpdate(ctx context.Context, id string) (*domain.Payment, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r paymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.TransactionID, p.PayerID, string(p.Type), p.Amount.Cents(), string(p.Method), string(p.Status),
		p.Reference, p.VerifiedBy, nullTime(p.VerifiedAt), p.FailureReason, p.RefundDue, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r paymentRepo) Update(ctx context.Context, p *domain.Payment) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payments SET status = $2, reference = $3, verified_by = $4, verified_at = $5,
			failure_reason = $6, refund_due = $7, updated_at = $8
		WHERE id = $1`,
		p.ID, string(p.Status), p.Reference, p.VerifiedBy, nullTime(p.VerifiedAt), p.FailureReason, p.RefundDue, p.UpdatedAt)
	return affected(res, err, "payment", p.ID)
}

func (r paymentRepo) ListByTransaction(ctx context.Context, txID string) ([]*domain.Payment, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE transaction_id = $1
		ORDER BY created_at, id`, txID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- timeline ---

type timelineRepo struct{ q *sql.Tx }

func (r timelineRepo) Append(ctx context.Context, e *domain.TimelineEntry) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO timeline_entries (id, transaction_id, status, title, description, actor_id, actor_role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TransactionID, string(e.Status), e.Title, e.Description, e.ActorID, string(e.ActorRole), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append timeline entry: %w", err)
	}
	return nil
}

func (r timelineRepo) List(ctx context.Context, txID string) ([]*domain.TimelineEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, transaction_id, status, title, description, actor_id, actor_role, created_at
		FROM timeline_entries
		WHERE transaction_id = $1
		ORDER BY seq`, txID)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.TimelineEntry
	for rows.Next() {
		var e domain.TimelineEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Status, &e.Title, &e.Description,
			&e.ActorID, &e.ActorRole, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- credits ---

type creditRepo struct{ q *sql.Tx }

func (r creditRepo) Append(ctx context.Context, c *domain.CreditTransaction) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, balance_after, reason, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, c.Amount, c.BalanceAfter, c.Reason, c.ReferenceID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("append credit transaction: %w", err)
	}
	return nil
}

func (r creditRepo) List(ctx context.Context, userID string, limit int) ([]*domain.CreditTransaction, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, user_id, amount, balance_after, reason, reference_id, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2`, userID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.CreditTransaction
	for rows.Next() {
		var c domain.CreditTransaction
		if err := rows.Scan(&c.ID, &c.UserID, &c.Amount, &c.BalanceAfter, &c.Reason,
			&c.ReferenceID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r creditRepo) Sum(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum credit transactions: %w", err)
	}
	return sum, nil
}

// --- unlocks ---

type unlockRepo struct{ q *sql.Tx }

func (r unlockRepo) Exists(ctx context.Context, userID, listingID string) (bool, error) {
	var ok bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM unlocks WHERE user_id = $1 AND listing_id = $2)`,
		userID, listingID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check unlock: %w", err)
	}
	return ok, nil
}

func (r unlockRepo) Create(ctx context.Context, u *domain.Unlock) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO unlocks (id, user_id, listing_id, credit_tx_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.UserID, u.ListingID, u.CreditTxID, u.CreatedAt)
	if _, dup := uniqueViolation(err); dup {
		return apperr.New(apperr.KindAlreadyUnlocked, "listing %s already unlocked", u.ListingID)
	}
	if err != nil {
		return fmt.Errorf("insert unlock: %w", err)
	}
	return nil
}

// --- premium requests ---

type premiumRepo struct{ q *sql.Tx }

const premiumColumns = `id, buyer_id, listing_id, message, status, handled_by, completed_at, created_at, updated_at`

func scanPremium(row scanner) (*domain.PremiumRequest, error) {
	var (
		p         domain.PremiumRequest
		completed sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.BuyerID, &p.ListingID, &p.Message, &p.Status, &p.HandledBy,
		&completed, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CompletedAt = timePtr(completed)
	return &p, nil
}

func (r premiumRepo) get(ctx context.Context, id, lock string) (*domain.PremiumRequest, error) {
	p, err := scanPremium(r.q.QueryRowContext(ctx,
		`SELECT `+premiumColumns+` FROM premium_requests WHERE id = $1`+lock, id))
	if err != nil {
		return nil, notFound(err, "premium request", id)
	}
	return p, nil
}

func (r premiumRepo) Get(ctx context.Context, id string) (*domain.PremiumRequest, error) {
	return r.get(ctx, id, "")
}

func (r premiumRepo) GetForUpdate(ctx context.Context, id string) (*domain.PremiumRequest, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r premiumRepo) Create(ctx context.Context, p *domain.PremiumRequest) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO premium_requests (`+premiumColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.BuyerID, p.ListingID, p.Message, string(p.Status), p.HandledBy,
		nullTime(p.CompletedAt), p.CreatedAt, p.UpdatedAt)
	if _, dup := uniqueViolation(err); dup {
		return apperr.New(apperr.KindDuplicateRequest,
			"open premium request for listing %s already exists", p.ListingID)
	}
	if err != nil {
		return fmt.Errorf("insert premium request: %w", err)
	}
	return nil
}

func (r premiumRepo) Update(ctx context.Context, p *domain.PremiumRequest) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE premium_requests SET status = $2, handled_by = $3, completed_at = $4, updated_at = $5
		WHERE id = $1`,
		p.ID, string(p.Status), p.HandledBy, nullTime(p.CompletedAt), p.UpdatedAt)
	return affected(res, err, "premium request", p.ID)
}

func (r premiumRepo) OpenFor(ctx context.Context, buyerID, listingID string) (*domain.PremiumRequest, error) {
	p, err := scanPremium(r.q.QueryRowContext(ctx, `
		SELECT `+premiumColumns+` FROM premium_requests
		WHERE buyer_id = $1 AND listing_id = $2 AND status NOT IN ('completed', 'cancelled')
		LIMIT 1`, buyerID, listingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "no open premium request")
	}
	if err != nil {
		return nil, fmt.Errorf("open premium request: %w", err)
	}
	return p, nil
}

func (r premiumRepo) ListByStatus(ctx context.Context, status domain.PremiumStatus, limit int) ([]*domain.PremiumRequest, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+premiumColumns+` FROM premium_requests
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(status), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list premium requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.PremiumRequest
	for rows.Next() {
		p, err := scanPremium(rows)
		if err != nil {
			return nil, fmt.Errorf("scan premium request: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- disputes ---

type disputeRepo struct{ q *sql.Tx }

const disputeColumns = `id, user_id, account_name, payment_name, explanation, status, submitted_at,
	auto_unblock_at, resolved_by, resolved_at, resolution, created_at, updated_at`

func scanDispute(row scanner) (*domain.AccountDispute, error) {
	var (
		d                            domain.AccountDispute
		submitted, unblock, resolved sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.AccountName, &d.PaymentName, &d.Explanation, &d.Status,
		&submitted, &unblock, &d.ResolvedBy, &resolved, &d.Resolution, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.SubmittedAt = timePtr(submitted)
	d.AutoUnblockAt = timePtr(unblock)
	d.ResolvedAt = timePtr(resolved)
	return &d, nil
}

func (r disputeRepo) get(ctx context.Context, id, lock string) (*domain.AccountDispute, error) {
	d, err := scanDispute(r.q.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM account_disputes WHERE id = $1`+lock, id))
	if err != nil {
		return nil, notFound(err, "dispute", id)
	}
	return d, nil
}

func (r disputeRepo) Get(ctx context.Context, id string) (*domain.AccountDispute, error) {
	return r.get(ctx, id, "")
}

func (r disputeRepo) GetForUpdate(ctx context.Context, id string) (*domain.AccountDispute, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r disputeRepo) Create(ctx context.Context, d *domain.AccountDispute) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO account_disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.UserID, d.AccountName, d.PaymentName, d.Explanation, string(d.Status), nullTime(d.SubmittedAt),
		nullTime(d.AutoUnblockAt), d.ResolvedBy, nullTime(d.ResolvedAt), d.Resolution, d.CreatedAt, d.UpdatedAt)
	if _, dup := uniqueViolation(err); dup {
		return apperr.New(apperr.KindAlreadyExists, "user %s already has an open dispute", d.UserID)
	}
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (r disputeRepo) Update(ctx context.Context, d *domain.AccountDispute) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE account_disputes SET explanation = $2, status = $3, submitted_at = $4, auto_unblock_at = $5,
			resolved_by = $6, resolved_at = $7, resolution = $8, updated_at = $9
		WHERE id = $1`,
		d.ID, d.Explanation, string(d.Status), nullTime(d.SubmittedAt), nullTime(d.AutoUnblockAt),
		d.ResolvedBy, nullTime(d.ResolvedAt), d.Resolution, d.UpdatedAt)
	return affected(res, err, "dispute", d.ID)
}

func (r disputeRepo) OpenForUser(ctx context.Context, userID string) (*domain.AccountDispute, error) {
	d, err := scanDispute(r.q.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM account_disputes
		WHERE user_id = $1 AND status IN ('pending', 'submitted')
		LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "no open dispute for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("open dispute for user %s: %w", userID, err)
	}
	return d, nil
}

func (r disputeRepo) list(ctx context.Context, query string, args ...any) ([]*domain.AccountDispute, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.AccountDispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r disputeRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.AccountDispute, error) {
	return r.list(ctx, `
		SELECT `+disputeColumns+` FROM account_disputes
		WHERE status = 'submitted' AND auto_unblock_at <= $1
		ORDER BY auto_unblock_at, id
		LIMIT $2`, now, limitOrAll(limit))
}

func (r disputeRepo) ListByStatus(ctx context.Context, status domain.DisputeStatus, limit int) ([]*domain.AccountDispute, error) {
	return r.list(ctx, `
		SELECT `+disputeColumns+` FROM account_disputes
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(status), limitOrAll(limit))
}
