package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
	"github.com/uptrace/bun"
)

const (
	ToolLogExpense   = "log_expense"
	ToolListExpenses = "list_expenses"
)

type Expense struct {
	bun.BaseModel `bun:"table:expenses,alias:e"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	SessionID string    `bun:"session_id,notnull" json:"session_id"`
	Amount    float64   `bun:"amount,notnull" json:"amount"`
	Currency  string    `bun:"currency,notnull" json:"currency"`
	Category  string    `bun:"category,notnull" json:"category"`
	Note      string    `bun:"note" json:"note,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

type Ledger interface {
	Record(ctx context.Context, e Expense) (Expense, error)
	List(ctx context.Context, sessionID string, limit int) ([]Expense, error)
}

// BunLedger stores expenses in postgres or sqlite through bun.
type BunLedger struct {
	db  *bun.DB
	now func() time.Time
}

func NewBunLedger(db *bun.DB) *BunLedger {
	return &BunLedger{db: db, now: time.Now}
}

func (l *BunLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.NewCreateTable().Model((*Expense)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create expenses table: %w", err)
	}
	return nil
}

func (l *BunLedger) Record(ctx context.Context, e Expense) (Expense, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if _, err := l.db.NewInsert().Model(&e).Exec(ctx); err != nil {
		return Expense{}, fmt.Errorf("insert expense: %w", err)
	}
	return e, nil
}

func (l *BunLedger) List(ctx context.Context, sessionID string, limit int) ([]Expense, error) {
	var rows []Expense
	q := l.db.NewSelect().Model(&rows).Order("id DESC")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return rows, nil
}

// RegisterExpenseTools adds log_expense (single attempt) and list_expenses.
func RegisterExpenseTools(r *Registry, ledger Ledger) error {
	if err := r.Register(Descriptor{
		Name:        ToolLogExpense,
		Description: "Record an expense in the user's ledger.",
		Params: []Param{
			{Name: "amount", Type: TypeNumber, Description: "Amount spent", Required: true},
			{Name: "category", Type: TypeString, Description: "Spending category, e.g. food", Required: true},
			{Name: "note", Type: TypeString, Description: "Free-form note"},
			{Name: "currency", Type: TypeString, Description: "ISO currency code", Default: "USD"},
		},
		Timeout:    10 * time.Second,
		Idempotent: false,
	}, AdapterFunc(func(ctx context.Context, args map[string]any) (any, error) {
		amount, _ := args["amount"].(float64)
		if amount <= 0 {
			return nil, fmt.Errorf("%w: amount must be positive", contractx.ErrValidation)
		}
		category, _ := args["category"].(string)
		note, _ := args["note"].(string)
		currency, _ := args["currency"].(string)
		return ledger.Record(ctx, Expense{
			SessionID: contractx.SessionIDFrom(ctx),
			Amount:    amount,
			Currency:  strings.ToUpper(strings.TrimSpace(currency)),
			Category:  strings.ToLower(strings.TrimSpace(category)),
			Note:      strings.TrimSpace(note),
		})
	})); err != nil {
		return err
	}

	return r.Register(Descriptor{
		Name:        ToolListExpenses,
		Description: "List the most recent expenses recorded in this conversation.",
		Params: []Param{
			{Name: "limit", Type: TypeInteger, Description: "Maximum number of expenses", Default: 10},
		},
		Timeout:    10 * time.Second,
		Idempotent: true,
	}, AdapterFunc(func(ctx context.Context, args map[string]any) (any, error) {
		limit, _ := args["limit"].(int)
		return ledger.List(ctx, contractx.SessionIDFrom(ctx), limit)
	}))
}
