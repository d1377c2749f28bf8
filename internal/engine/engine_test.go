package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/executor"
	"github.com/xela07ax/opsgate/internal/gate"
	"github.com/xela07ax/opsgate/internal/store"
	"github.com/xela07ax/opsgate/internal/triage"
	"go.uber.org/zap"
)

type memAuditor struct {
	events []audit.Entry
}

func (a *memAuditor) Record(et audit.EventType, itemID string, kind domain.Kind, actor string, details map[string]interface{}) (string, error) {
	a.events = append(a.events, audit.Entry{EventType: et, ActionItemID: itemID, ActionKind: kind, Actor: actor, Details: details})
	return "e", nil
}

func (a *memAuditor) byType(et audit.EventType) []audit.Entry {
	var out []audit.Entry
	for _, e := range a.events {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	fs      *store.FSStore
	auditor *memAuditor
	orch    *Orchestrator
	gate    *gate.Gate
}

func newFixture(t *testing.T, tr triage.Triage) *fixture {
	t.Helper()
	fs, err := store.NewFSStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	auditor := &memAuditor{}
	metrics := NewMetrics(nil)
	reg := executor.NewRegistry()
	executor.RegisterMocks(reg, 0)

	g := gate.New(fs, fs, auditor, zap.NewNop())
	d := NewDispatcher(fs, reg, auditor, metrics, 3, time.Second, zap.NewNop())
	if tr == nil {
		tr = triage.NewPolicyTriage(nil, domain.LevelMedium, time.Hour, zap.NewNop())
	}
	orch := NewOrchestrator(fs, tr, g, d, auditor, metrics, time.Hour, zap.NewNop())
	return &fixture{fs: fs, auditor: auditor, orch: orch, gate: g}
}

func (f *fixture) seed(t *testing.T, id string, kind domain.Kind, target string) {
	t.Helper()
	item := &domain.ActionItem{
		ID:        id,
		Kind:      kind,
		Payload:   domain.Payload{Sender: "x@corp.test", Subject: "s", Target: target},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.fs.Create(context.Background(), item))
}

func (f *fixture) status(t *testing.T, id string) domain.Status {
	t.Helper()
	item, err := f.fs.Get(context.Background(), id)
	require.NoError(t, err)
	return item.Status
}

func TestRetryEligible(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	cases := []struct {
		name     string
		item     domain.ActionItem
		eligible bool
	}{
		{"never attempted", domain.ActionItem{RetryCount: 1}, true},
		{"first retry after 25s", domain.ActionItem{RetryCount: 1, LastAttemptAt: &past}, true},
		{"first retry too early", domain.ActionItem{RetryCount: 1, LastAttemptAt: &now}, false},
		{"second retry needs 2h", domain.ActionItem{RetryCount: 2, LastAttemptAt: &past}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.eligible, RetryEligible(&tc.item, now))
		})
	}
}

// Низкорисковый элемент минует шлюз и исполняется за один тик.
func TestOrchestratorAutoApprovePath(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "fd-1", domain.KindFileDrop, "archive")

	f.orch.Tick(context.Background())
	// approved в том же тике уезжает в диспетчер
	assert.Equal(t, domain.StatusExecuted, f.status(t, "fd-1"))

	approvals := f.auditor.byType(audit.EventApproved)
	require.Len(t, approvals, 1)
	assert.Equal(t, "policy", approvals[0].Actor)
	require.Len(t, f.auditor.byType(audit.EventExecuted), 1)
}

// Элемент с approval_required не может доехать до executed, минуя approved.
func TestOrchestratorHoldsItemAtGate(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "msg-1", domain.KindMessage, "ops-channel")

	f.orch.Tick(context.Background())
	assert.Equal(t, domain.StatusAwaitingDecision, f.status(t, "msg-1"))

	f.orch.Tick(context.Background())
	assert.Equal(t, domain.StatusAwaitingDecision, f.status(t, "msg-1"), "без решения элемент стоит на месте")

	recs, err := f.fs.ListApprovals(context.Background(), domain.DecisionPending)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = f.gate.Approve(context.Background(), recs[0].ID, "ops", "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, f.status(t, "msg-1"))

	f.orch.Tick(context.Background())
	assert.Equal(t, domain.StatusExecuted, f.status(t, "msg-1"))
}

// Всегда падающая цель доходит до dead ровно за 3 попытки и больше
// никогда не исполняется.
func TestOrchestratorBoundedRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "u-1", domain.KindFileDrop, "unstable")
	ctx := context.Background()

	base := time.Now()
	f.orch.now = func() time.Time { return base }

	f.orch.Tick(ctx) // попытка 0: auto-approve + немедленный отказ
	assert.Equal(t, domain.StatusFailed, f.status(t, "u-1"))

	f.orch.Tick(ctx) // бэкофф 25s еще не прошел
	assert.Equal(t, domain.StatusFailed, f.status(t, "u-1"))

	f.orch.now = func() time.Time { return base.Add(30 * time.Second) }
	f.orch.Tick(ctx) // попытка 1
	assert.Equal(t, domain.StatusFailed, f.status(t, "u-1"))

	f.orch.now = func() time.Time { return base.Add(3 * time.Hour) }
	f.orch.Tick(ctx) // попытка 2 — бюджет исчерпан
	assert.Equal(t, domain.StatusDead, f.status(t, "u-1"))

	item, err := f.fs.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 3, item.RetryCount)
	assert.NotEmpty(t, item.LastError)

	f.orch.now = func() time.Time { return base.Add(48 * time.Hour) }
	f.orch.Tick(ctx)
	assert.Equal(t, domain.StatusDead, f.status(t, "u-1"), "dead терминален")
	assert.Len(t, f.auditor.byType(audit.EventFailed), 3)
}

// Невосстановимый отказ не жжет оставшиеся попытки.
func TestOrchestratorPermanentFailureGoesStraightToDead(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "p-1", domain.KindFileDrop, "forbidden")

	f.orch.Tick(context.Background())
	assert.Equal(t, domain.StatusDead, f.status(t, "p-1"))

	item, err := f.fs.Get(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetryCount)
}

func (f *fixture) strandExecuting(t *testing.T, id string, retryCount int, lastAttempt *time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := f.fs.Transition(ctx, id, domain.StatusApproved, nil)
	require.NoError(t, err)
	_, err = f.fs.Transition(ctx, id, domain.StatusExecuting, func(it *domain.ActionItem) {
		it.RetryCount = retryCount
		it.LastAttemptAt = lastAttempt
	})
	require.NoError(t, err)
}

// Элемент, брошенный в executing упавшим процессом, разбирается фазой
// восстановления: попытка списывается, дальше обычный цикл повторов.
func TestOrchestratorRecoversStrandedExecuting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "st-1", domain.KindFileDrop, "archive")
	stamp := time.Now().Add(-time.Minute)
	f.strandExecuting(t, "st-1", 0, &stamp)

	f.orch.Tick(ctx)

	item, err := f.fs.Get(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Contains(t, item.LastError, "interrupted")

	fails := f.auditor.byType(audit.EventFailed)
	require.Len(t, fails, 1)
	assert.Equal(t, false, fails[0].Details["terminal"])
}

// Живую попытку (метка старта свежее таймаута вызова) восстановление
// не трогает.
func TestOrchestratorLeavesFreshExecutingAlone(t *testing.T) {
	f := newFixture(t, nil)

	f.seed(t, "st-2", domain.KindFileDrop, "archive")
	stamp := time.Now()
	f.strandExecuting(t, "st-2", 0, &stamp)

	f.orch.Tick(context.Background())
	assert.Equal(t, domain.StatusExecuting, f.status(t, "st-2"))
	assert.Empty(t, f.auditor.byType(audit.EventFailed))
}

// Падение на последней попытке добивает элемент до dead. Запись без
// метки старта (след старого формата) тоже считается брошенной.
func TestOrchestratorRecoveryConsumesFinalAttempt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "st-3", domain.KindFileDrop, "archive")
	f.strandExecuting(t, "st-3", 2, nil)

	f.orch.Tick(ctx)

	item, err := f.fs.Get(ctx, "st-3")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDead, item.Status)
	assert.Equal(t, 3, item.RetryCount)

	fails := f.auditor.byType(audit.EventFailed)
	require.Len(t, fails, 1)
	assert.Equal(t, true, fails[0].Details["terminal"])
}

// panickyTriage роняет обработку одного конкретного элемента.
type panickyTriage struct {
	inner    triage.Triage
	victimID string
}

func (p *panickyTriage) Assess(ctx context.Context, item *domain.ActionItem) (triage.Decision, error) {
	if item.ID == p.victimID {
		panic("triage exploded")
	}
	return p.inner.Assess(ctx, item)
}

// Паника на одном элементе не мешает остальным элементам того же тика.
func TestOrchestratorLoopLiveness(t *testing.T) {
	tr := &panickyTriage{
		inner:    triage.NewPolicyTriage(nil, domain.LevelMedium, time.Hour, zap.NewNop()),
		victimID: "a-victim", // листинг отсортирован: жертва идет первой
	}
	f := newFixture(t, tr)
	f.seed(t, "a-victim", domain.KindFileDrop, "archive")
	f.seed(t, "b-ok", domain.KindFileDrop, "archive")
	f.seed(t, "c-ok", domain.KindFileDrop, "archive")

	require.NotPanics(t, func() { f.orch.Tick(context.Background()) })

	assert.Equal(t, domain.StatusPending, f.status(t, "a-victim"), "жертва остается на месте до следующего тика")
	assert.Equal(t, domain.StatusExecuted, f.status(t, "b-ok"))
	assert.Equal(t, domain.StatusExecuted, f.status(t, "c-ok"))
}

// Stop дожидается конца текущего тика.
func TestOrchestratorStartStop(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.tick = 10 * time.Millisecond
	f.seed(t, "fd-1", domain.KindFileDrop, "archive")

	f.orch.Start(context.Background())
	require.Eventually(t, func() bool {
		item, err := f.fs.Get(context.Background(), "fd-1")
		return err == nil && item.Status == domain.StatusExecuted
	}, 2*time.Second, 10*time.Millisecond)

	f.orch.Stop()
	f.orch.Stop() // повторный Stop безопасен
}
