package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/config"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/queue"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage/sqlite"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/pkg/logger"
)

const monitorsYAML = `
monitors:
  - id: 6f1f8a52-4a4b-4c1e-9f43-8f7e3b3a2b10
    user_id: ops
    name: Public site
    url: HTTPS://Example.com:443/health/
    frequency: 60
  - user_id: ops
    name: Internal API
    url: http://api.internal:8080/ping
    frequency: 300
    active: false
`

var _ = Describe("monitors import", func() {
	var (
		ctx   context.Context
		store *sqlite.SQLiteStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		store, err = sqlite.New(ctx, filepath.Join(GinkgoT().TempDir(), "import.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)
	})

	It("creates monitors with canonical urls", func() {
		summary, err := importMonitors(ctx, store, strings.NewReader(monitorsYAML), logger.Discard())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary).To(Equal(importSummary{Created: 2}))

		m, err := store.GetMonitorByID(ctx, "6f1f8a52-4a4b-4c1e-9f43-8f7e3b3a2b10")
		Expect(err).NotTo(HaveOccurred())
		Expect(m.URL).To(Equal("https://example.com/health"))
		Expect(m.IsActive).To(BeTrue())

		due, err := store.FindDue(ctx, time.Now().Add(time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
		Expect(due[0].ID).To(Equal(m.ID))
	})

	It("leaves existing monitors alone on re-import", func() {
		_, err := importMonitors(ctx, store, strings.NewReader(monitorsYAML), logger.Discard())
		Expect(err).NotTo(HaveOccurred())

		summary, err := importMonitors(ctx, store, strings.NewReader(monitorsYAML), logger.Discard())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Existing).To(Equal(1))
		Expect(summary.Created).To(Equal(1))
	})

	DescribeTable("rejects invalid files without writing anything",
		func(doc string) {
			_, err := importMonitors(ctx, store, strings.NewReader(doc), logger.Discard())
			Expect(err).To(HaveOccurred())

			due, err := store.FindDue(ctx, time.Now().Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(due).To(BeEmpty())
		},
		Entry("frequency below the minimum", `
monitors:
  - {user_id: ops, name: ok, url: "https://a.example", frequency: 60}
  - {user_id: ops, name: fast, url: "https://b.example", frequency: 30}
`),
		Entry("frequency above the maximum", `
monitors:
  - {user_id: ops, name: slow, url: "https://a.example", frequency: 90000}
`),
		Entry("non http url", `
monitors:
  - {user_id: ops, name: ftp, url: "ftp://a.example/file", frequency: 60}
`),
		Entry("missing name", `
monitors:
  - {user_id: ops, url: "https://a.example", frequency: 60}
`),
		Entry("unknown field", `
monitors:
  - {user_id: ops, name: typo, url: "https://a.example", frequncy: 60}
`),
	)
})

var _ = Describe("serve wiring", func() {
	It("maps configuration onto component settings", func() {
		path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
		Expect(os.WriteFile(path, []byte("scan:\n  interval: 45s\nqueue:\n  lock_key: scans\n"), 0o644)).To(Succeed())
		cfg, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())

		qc := queueConfig(cfg.Scan, cfg.Queue)
		Expect(qc.Name).To(Equal("scans"))
		Expect(qc.Interval).To(Equal(45 * time.Second))
		Expect(qc.Retry).To(Equal(queue.RetryPolicy{Attempts: 3, InitialBackoff: time.Second}))
		Expect(qc.DeadLetter).To(Equal(queue.RetryPolicy{Attempts: 5, InitialBackoff: 30 * time.Second}))

		Expect(poolConfig(cfg.Probe).MaxRedirects).To(Equal(5))
		Expect(bufferConfig(cfg.Buffer).Capacity).To(Equal(1000))
	})

	It("opens the sqlite store with a local lock", func() {
		db, locker, err := openStore(context.Background(), config.DatabaseConfig{
			Driver: config.DriverSQLite,
			URL:    filepath.Join(GinkgoT().TempDir(), "serve.db"),
		})
		Expect(err).NotTo(HaveOccurred())
		defer db.Close()
		Expect(locker).To(Equal(queue.LocalLocker{}))
	})
})

var _ = Describe("version", func() {
	It("prints build information", func() {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs([]string{"version"})
		DeferCleanup(func() {
			rootCmd.SetOut(nil)
			rootCmd.SetArgs(nil)
		})

		Expect(rootCmd.Execute()).To(Succeed())
		Expect(out.String()).To(ContainSubstring("uptime-monitor dev"))
	})
})
