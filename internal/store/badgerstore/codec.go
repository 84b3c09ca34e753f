package badgerstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
)

type metaDoc struct {
	CreatedAt  int64 `json:"created_at,omitempty"`
	LastUpdate int64 `json:"last_update,omitempty"`
}

type offenseDoc struct {
	At    int64   `json:"at"`
	Level int     `json:"level"`
	Value float64 `json:"value"`
}

type ledgerDoc struct {
	UserID       string             `json:"user_id"`
	Role         string             `json:"role"`
	Balances     map[string]any     `json:"balances"`
	Meta         map[string]metaDoc `json:"token_meta"`
	LastDecay    int64              `json:"last_decay,omitempty"`
	Offenses     []offenseDoc       `json:"offenses"`
	RebirthCount int                `json:"rebirth_count"`
	CreatedAt    int64              `json:"created_at,omitempty"`
	Version      int64              `json:"version"`
}

type proofDoc struct {
	Type        karma.Remediation `json:"type"`
	Amount      float64           `json:"amount"`
	Text        string            `json:"text,omitempty"`
	Ref         string            `json:"ref,omitempty"`
	SubmittedAt int64             `json:"submitted_at"`
}

type planDoc struct {
	Seq          uint64                        `json:"seq"`
	ID           string                        `json:"id"`
	UserID       string                        `json:"user_id"`
	Action       karma.Action                  `json:"action"`
	Severity     karma.Severity                `json:"severity"`
	Requirements map[karma.Remediation]float64 `json:"requirements"`
	Progress     map[karma.Remediation]float64 `json:"progress"`
	Proofs       []proofDoc                    `json:"proofs"`
	Status       karma.PlanStatus              `json:"status"`
	CreatedAt    int64                         `json:"created_at"`
	CompletedAt  int64                         `json:"completed_at,omitempty"`
}

type appealDoc struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Action    karma.Action     `json:"action"`
	Severity  karma.Severity   `json:"severity"`
	PlanID    string           `json:"plan_id"`
	Status    karma.PlanStatus `json:"status"`
	CreatedAt int64            `json:"created_at"`
}

type transactionDoc struct {
	ID       string            `json:"id"`
	UserID   string            `json:"user_id"`
	Action   string            `json:"action"`
	Path     karma.Path        `json:"path,omitempty"`
	Value    float64           `json:"value"`
	Intent   karma.Intent      `json:"intent,omitempty"`
	Tier     karma.Tier        `json:"tier,omitempty"`
	Context  string            `json:"context,omitempty"`
	Note     string            `json:"note,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       int64             `json:"at"`
}

type repaymentDoc struct {
	Amount float64 `json:"amount"`
	Method string  `json:"method"`
	At     int64   `json:"at"`
}

type debtDoc struct {
	Seq           uint64             `json:"seq"`
	ID            string             `json:"id"`
	DebtorID      string             `json:"debtor_id"`
	ReceiverID    string             `json:"receiver_id"`
	Action        string             `json:"action,omitempty"`
	Severity      karma.DebtSeverity `json:"severity"`
	Amount        float64            `json:"amount"`
	Original      float64            `json:"original"`
	Description   string             `json:"description,omitempty"`
	Status        karma.DebtStatus   `json:"status"`
	Repayments    []repaymentDoc     `json:"repayments"`
	TransferredTo string             `json:"transferred_to,omitempty"`
	CreatedAt     int64              `json:"created_at"`
	UpdatedAt     int64              `json:"updated_at"`
}

type rebirthDoc struct {
	ID     string          `json:"id"`
	Record json.RawMessage `json:"record"`
}

type valueTableDoc struct {
	Roles     []string       `json:"roles"`
	Actions   []karma.Action `json:"actions"`
	Q         [][]float64    `json:"q"`
	UpdatedAt int64          `json:"updated_at,omitempty"`
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// encodeLedger renders l with two-level categories nested by subtype.
func encodeLedger(l *karma.Ledger, version int64) ([]byte, error) {
	doc := ledgerDoc{
		UserID:       l.UserID,
		Role:         l.Role,
		Balances:     make(map[string]any, len(l.Balances)),
		Meta:         make(map[string]metaDoc, len(l.Meta)),
		LastDecay:    toNanos(l.LastDecay),
		Offenses:     make([]offenseDoc, 0, len(l.Offenses)),
		RebirthCount: l.RebirthCount,
		CreatedAt:    toNanos(l.CreatedAt),
		Version:      version,
	}
	for path, v := range l.Balances {
		cat, sub := path.Category(), path.Subtype()
		if sub == "" {
			doc.Balances[cat] = v
			continue
		}
		group, _ := doc.Balances[cat].(map[string]float64)
		if group == nil {
			group = make(map[string]float64)
			doc.Balances[cat] = group
		}
		group[sub] = v
	}
	for path, m := range l.Meta {
		doc.Meta[string(path)] = metaDoc{CreatedAt: toNanos(m.CreatedAt), LastUpdate: toNanos(m.LastUpdate)}
	}
	for _, o := range l.Offenses {
		doc.Offenses = append(doc.Offenses, offenseDoc{At: o.At.UnixNano(), Level: o.Level, Value: o.Value})
	}
	data, err := encode(doc)
	if err != nil {
		return nil, fmt.Errorf("encode ledger %s: %w", l.UserID, err)
	}
	return data, nil
}

// decodeLedger reads a ledger document. Balance fields that cannot be read
// are returned as issues and read as zero.
func decodeLedger(data []byte, p karma.Policy) (*karma.Ledger, []karma.DecodeIssue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc ledgerDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("decode ledger: %w", err)
	}

	balances, issues := karma.DecodeBalances(doc.Balances, p)
	l := &karma.Ledger{
		UserID:       doc.UserID,
		Role:         doc.Role,
		Balances:     balances,
		Meta:         make(map[karma.Path]karma.TokenMeta, len(doc.Meta)),
		LastDecay:    fromNanos(doc.LastDecay),
		Offenses:     make([]karma.Offense, 0, len(doc.Offenses)),
		RebirthCount: doc.RebirthCount,
		CreatedAt:    fromNanos(doc.CreatedAt),
		Version:      doc.Version,
	}
	for path, m := range doc.Meta {
		l.Meta[karma.Path(path)] = karma.TokenMeta{CreatedAt: fromNanos(m.CreatedAt), LastUpdate: fromNanos(m.LastUpdate)}
	}
	for _, o := range doc.Offenses {
		l.Offenses = append(l.Offenses, karma.Offense{At: fromNanos(o.At), Level: o.Level, Value: o.Value})
	}
	return l, issues, nil
}

func encodePlan(p karma.Plan, seq uint64) ([]byte, error) {
	doc := planDoc{
		Seq:          seq,
		ID:           p.ID,
		UserID:       p.UserID,
		Action:       p.Action,
		Severity:     p.Severity,
		Requirements: p.Requirements,
		Progress:     p.Progress,
		Proofs:       make([]proofDoc, 0, len(p.Proofs)),
		Status:       p.Status,
		CreatedAt:    p.CreatedAt.UnixNano(),
		CompletedAt:  toNanos(p.CompletedAt),
	}
	for _, pr := range p.Proofs {
		doc.Proofs = append(doc.Proofs, proofDoc{
			Type:        pr.Type,
			Amount:      pr.Amount,
			Text:        pr.Text,
			Ref:         pr.Ref,
			SubmittedAt: pr.SubmittedAt.UnixNano(),
		})
	}
	data, err := encode(doc)
	if err != nil {
		return nil, fmt.Errorf("encode plan %s: %w", p.ID, err)
	}
	return data, nil
}

func decodePlan(data []byte) (karma.Plan, uint64, error) {
	var doc planDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return karma.Plan{}, 0, fmt.Errorf("decode plan: %w", err)
	}
	p := karma.Plan{
		ID:           doc.ID,
		UserID:       doc.UserID,
		Action:       doc.Action,
		Severity:     doc.Severity,
		Requirements: doc.Requirements,
		Progress:     doc.Progress,
		Proofs:       make([]karma.Proof, 0, len(doc.Proofs)),
		Status:       doc.Status,
		CreatedAt:    fromNanos(doc.CreatedAt),
		CompletedAt:  fromNanos(doc.CompletedAt),
	}
	if p.Requirements == nil {
		p.Requirements = map[karma.Remediation]float64{}
	}
	if p.Progress == nil {
		p.Progress = map[karma.Remediation]float64{}
	}
	for _, pr := range doc.Proofs {
		p.Proofs = append(p.Proofs, karma.Proof{
			Type:        pr.Type,
			Amount:      pr.Amount,
			Text:        pr.Text,
			Ref:         pr.Ref,
			SubmittedAt: fromNanos(pr.SubmittedAt),
		})
	}
	return p, doc.Seq, nil
}

func encodeDebt(d karma.Debt, seq uint64) ([]byte, error) {
	doc := debtDoc{
		Seq:           seq,
		ID:            d.ID,
		DebtorID:      d.DebtorID,
		ReceiverID:    d.ReceiverID,
		Action:        d.Action,
		Severity:      d.Severity,
		Amount:        d.Amount,
		Original:      d.Original,
		Description:   d.Description,
		Status:        d.Status,
		Repayments:    make([]repaymentDoc, 0, len(d.Repayments)),
		TransferredTo: d.TransferredTo,
		CreatedAt:     toNanos(d.CreatedAt),
		UpdatedAt:     toNanos(d.UpdatedAt),
	}
	for _, r := range d.Repayments {
		doc.Repayments = append(doc.Repayments, repaymentDoc{Amount: r.Amount, Method: r.Method, At: toNanos(r.At)})
	}
	data, err := encode(doc)
	if err != nil {
		return nil, fmt.Errorf("encode debt %s: %w", d.ID, err)
	}
	return data, nil
}

func decodeDebt(data []byte) (karma.Debt, uint64, error) {
	var doc debtDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return karma.Debt{}, 0, fmt.Errorf("decode debt: %w", err)
	}
	d := karma.Debt{
		ID:            doc.ID,
		DebtorID:      doc.DebtorID,
		ReceiverID:    doc.ReceiverID,
		Action:        doc.Action,
		Severity:      doc.Severity,
		Amount:        doc.Amount,
		Original:      doc.Original,
		Description:   doc.Description,
		Status:        doc.Status,
		Repayments:    make([]karma.Repayment, 0, len(doc.Repayments)),
		TransferredTo: doc.TransferredTo,
		CreatedAt:     fromNanos(doc.CreatedAt),
		UpdatedAt:     fromNanos(doc.UpdatedAt),
	}
	for _, r := range doc.Repayments {
		d.Repayments = append(d.Repayments, karma.Repayment{Amount: r.Amount, Method: r.Method, At: fromNanos(r.At)})
	}
	return d, doc.Seq, nil
}

func toTransaction(doc transactionDoc) karma.Transaction {
	meta := doc.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return karma.Transaction{
		ID:       doc.ID,
		UserID:   doc.UserID,
		Action:   doc.Action,
		Path:     doc.Path,
		Value:    doc.Value,
		Intent:   doc.Intent,
		Tier:     doc.Tier,
		Context:  doc.Context,
		Note:     doc.Note,
		Metadata: meta,
		At:       fromNanos(doc.At),
	}
}

func fromTransaction(t karma.Transaction) transactionDoc {
	return transactionDoc{
		ID:       t.ID,
		UserID:   t.UserID,
		Action:   t.Action,
		Path:     t.Path,
		Value:    t.Value,
		Intent:   t.Intent,
		Tier:     t.Tier,
		Context:  t.Context,
		Note:     t.Note,
		Metadata: t.Metadata,
		At:       t.At.UnixNano(),
	}
}

// Keys. User ids are path-escaped so an id containing "/" cannot fall
// under another user's prefix.

func userKey(userID string) []byte { return []byte("u/" + url.PathEscape(userID)) }

func planKey(id string) []byte { return []byte("plan/" + url.PathEscape(id)) }

func debtKey(id string) []byte { return []byte("debt/" + url.PathEscape(id)) }

func idKey(kind, id string) []byte { return []byte("id/" + kind + "/" + url.PathEscape(id)) }

func seqKey(prefix, userID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", userPrefix(prefix, userID), seq))
}

func userPrefix(prefix, userID string) []byte {
	return []byte(prefix + "/" + url.PathEscape(userID) + "/")
}

var (
	counterKey    = []byte("seq")
	valueTableKey = []byte("vt")
	usersPrefix   = []byte("u/")
)
