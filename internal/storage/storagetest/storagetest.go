// Package storagetest holds behaviour shared by every storage.Storer
// implementation, expressed as Ginkgo specs.
package storagetest

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/models"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
)

// DescribeStorer registers specs against stores returned by newStore. Each
// spec gets a fresh store and closes it afterwards. Ids are random so specs
// can share a database.
func DescribeStorer(newStore func() storage.Storer) {
	var (
		ctx   context.Context
		store storage.Storer
		now   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = nil
		store = newStore()
		// millisecond precision survives every backend
		now = time.Now().UTC().Truncate(time.Millisecond)
	})

	AfterEach(func() {
		if store != nil {
			Expect(store.Close()).To(Succeed())
		}
	})

	createMonitor := func(m models.Monitor) *models.Monitor {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.UserID == "" {
			m.UserID = "user-1"
		}
		if m.Name == "" {
			m.Name = "monitor"
		}
		if m.URL == "" {
			m.URL = "https://example.com/health"
		}
		if m.Frequency == 0 {
			m.Frequency = 60
		}
		created, err := store.CreateMonitor(ctx, &m)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return created
	}

	dueIDs := func(at time.Time) []string {
		due, err := store.FindDue(ctx, at)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		ids := make([]string, 0, len(due))
		for _, d := range due {
			ids = append(ids, d.ID)
		}
		return ids
	}

	Describe("monitors", func() {
		It("fills in defaults on create", func() {
			created := createMonitor(models.Monitor{IsActive: true})
			Expect(created.Status).To(Equal(models.StatusPending))
			Expect(created.CreatedAt).NotTo(BeZero())
			Expect(created.NextCheck).To(BeTemporally("==", created.CreatedAt))

			got, err := store.GetMonitorByID(ctx, created.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.URL).To(Equal("https://example.com/health"))
			Expect(got.Frequency).To(Equal(60))
			Expect(got.IsActive).To(BeTrue())
			Expect(got.LastCheck).To(BeNil())
		})

		It("assigns an id when none is given", func() {
			m := models.Monitor{UserID: "u", Name: "n", URL: "https://a.example", Frequency: 300, IsActive: true}
			created, err := store.CreateMonitor(ctx, &m)
			Expect(err).NotTo(HaveOccurred())
			Expect(uuid.Validate(created.ID)).To(Succeed())
		})

		It("returns the existing monitor for a duplicate id", func() {
			first := createMonitor(models.Monitor{Name: "first", IsActive: true})
			dup := models.Monitor{ID: first.ID, UserID: "u", Name: "second", URL: "https://b.example", Frequency: 60}

			existing, err := store.CreateMonitor(ctx, &dup)
			Expect(err).To(MatchError(storage.ErrDuplicateKey))
			Expect(existing.Name).To(Equal("first"))
		})

		It("reports unknown ids as not found", func() {
			_, err := store.GetMonitorByID(ctx, uuid.NewString())
			Expect(err).To(MatchError(storage.ErrNotFound))
		})
	})

	Describe("FindDue", func() {
		It("returns active monitors whose next check has passed", func() {
			past := createMonitor(models.Monitor{IsActive: true, NextCheck: now.Add(-time.Minute)})
			exact := createMonitor(models.Monitor{IsActive: true, NextCheck: now})
			future := createMonitor(models.Monitor{IsActive: true, NextCheck: now.Add(time.Minute)})
			paused := createMonitor(models.Monitor{IsActive: false, NextCheck: now.Add(-time.Minute)})

			ids := dueIDs(now)
			Expect(ids).To(ContainElements(past.ID, exact.ID))
			Expect(ids).NotTo(ContainElement(future.ID))
			Expect(ids).NotTo(ContainElement(paused.ID))
		})

		It("projects the fields needed to probe", func() {
			m := createMonitor(models.Monitor{Name: "api", URL: "https://api.example/ping", Frequency: 120, IsActive: true, NextCheck: now.Add(-time.Second)})

			due, err := store.FindDue(ctx, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(due).To(ContainElement(models.DueMonitor{ID: m.ID, URL: "https://api.example/ping", Frequency: 120, Name: "api"}))
		})
	})

	Describe("UpdateMonitor", func() {
		It("writes the new schedule and returns the previous status", func() {
			m := createMonitor(models.Monitor{IsActive: true, NextCheck: now.Add(-time.Second)})

			previous, err := store.UpdateMonitor(ctx, m.ID, models.MonitorUpdate{
				Status:    models.StatusUp,
				LastCheck: now,
				NextCheck: now.Add(time.Minute),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(previous).To(Equal(models.StatusPending))

			got, err := store.GetMonitorByID(ctx, m.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.StatusUp))
			Expect(got.LastCheck).NotTo(BeNil())
			Expect(*got.LastCheck).To(BeTemporally("==", now))
			Expect(got.NextCheck).To(BeTemporally("==", now.Add(time.Minute)))

			Expect(dueIDs(now)).NotTo(ContainElement(m.ID))
			Expect(dueIDs(now.Add(time.Minute))).To(ContainElement(m.ID))

			previous, err = store.UpdateMonitor(ctx, m.ID, models.MonitorUpdate{
				Status:    models.StatusDown,
				LastCheck: now.Add(time.Minute),
				NextCheck: now.Add(2 * time.Minute),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(previous).To(Equal(models.StatusUp))
		})

		It("reports unknown monitors as not found", func() {
			_, err := store.UpdateMonitor(ctx, uuid.NewString(), models.MonitorUpdate{
				Status: models.StatusUp, LastCheck: now, NextCheck: now,
			})
			Expect(err).To(MatchError(storage.ErrNotFound))
		})
	})

	Describe("ping logs", func() {
		var monitorID string

		BeforeEach(func() {
			monitorID = createMonitor(models.Monitor{IsActive: true}).ID
		})

		entry := func(offset time.Duration, success bool) models.PingLog {
			l := models.PingLog{
				ID:         uuid.NewString(),
				MonitorID:  monitorID,
				StatusCode: 200,
				DurationMs: 15,
				Success:    success,
				Timestamp:  now.Add(offset),
			}
			if !success {
				msg := "dial tcp: connection refused"
				l.StatusCode = 0
				l.Error = &msg
			}
			return l
		}

		It("inserts a batch and lists it newest first", func() {
			batch := []models.PingLog{entry(-2*time.Minute, true), entry(-time.Minute, false), entry(0, true)}
			Expect(store.InsertPingLogs(ctx, batch)).To(Succeed())

			logs, err := store.ListPingLogs(ctx, storage.ListPingLogsParams{MonitorID: monitorID, Limit: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(3))
			Expect(logs[0].ID).To(Equal(batch[2].ID))
			Expect(logs[2].ID).To(Equal(batch[0].ID))

			failed := logs[1]
			Expect(failed.Success).To(BeFalse())
			Expect(failed.StatusCode).To(BeZero())
			Expect(failed.Error).NotTo(BeNil())
			Expect(*failed.Error).To(Equal("dial tcp: connection refused"))
			Expect(failed.Timestamp).To(BeTemporally("==", now.Add(-time.Minute)))
		})

		It("honours the limit and since filters", func() {
			Expect(store.InsertPingLogs(ctx, []models.PingLog{
				entry(-3*time.Minute, true), entry(-2*time.Minute, true), entry(-time.Minute, true),
			})).To(Succeed())

			logs, err := store.ListPingLogs(ctx, storage.ListPingLogsParams{MonitorID: monitorID, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(2))

			since := now.Add(-150 * time.Second)
			logs, err = store.ListPingLogs(ctx, storage.ListPingLogsParams{MonitorID: monitorID, Since: &since, Limit: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(2))
		})

		It("assigns ids to entries without one", func() {
			l := entry(0, true)
			l.ID = ""
			Expect(store.InsertPingLogs(ctx, []models.PingLog{l})).To(Succeed())

			logs, err := store.ListPingLogs(ctx, storage.ListPingLogsParams{MonitorID: monitorID, Limit: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(1))
			Expect(logs[0].ID).NotTo(BeEmpty())
		})

		It("accepts an empty batch", func() {
			Expect(store.InsertPingLogs(ctx, nil)).To(Succeed())
		})

		It("keeps logs of monitors that no longer exist", func() {
			orphan := entry(0, true)
			orphan.MonitorID = uuid.NewString()
			Expect(store.InsertPingLogs(ctx, []models.PingLog{orphan, entry(0, true)})).To(Succeed())
		})

		It("rejects a batch with a duplicate id as a whole", func() {
			l := entry(0, true)
			Expect(store.InsertPingLogs(ctx, []models.PingLog{l})).To(Succeed())
			Expect(store.InsertPingLogs(ctx, []models.PingLog{entry(time.Second, true), l})).NotTo(Succeed())

			logs, err := store.ListPingLogs(ctx, storage.ListPingLogsParams{MonitorID: monitorID, Limit: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(1))
		})
	})
}
