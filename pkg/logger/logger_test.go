package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/pkg/logger"
)

var _ = Describe("Logger", func() {
	ctx := context.Background()

	DescribeTable("level parsing",
		func(name string, want slog.Level) {
			Expect(logger.ParseLevel(name)).To(Equal(want))
		},
		Entry("debug", "debug", slog.LevelDebug),
		Entry("upper case", "WARN", slog.LevelWarn),
		Entry("error", "error", slog.LevelError),
		Entry("unknown falls back to info", "verbose", slog.LevelInfo),
	)

	It("respects the configured level", func() {
		log := logger.New("warn", false, "dev")
		Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeFalse())
		Expect(log.Enabled(ctx, slog.LevelWarn)).To(BeTrue())
	})

	It("writes JSON with the environment attribute in prod", func() {
		var buf bytes.Buffer
		log := logger.NewWithWriter(&buf, "info", false, "prod")
		log.Info("hello", slog.String("monitor_id", "m1"))

		var line map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &line)).To(Succeed())
		Expect(line).To(HaveKeyWithValue("environment", "prod"))
		Expect(line).To(HaveKeyWithValue("monitor_id", "m1"))
		Expect(line).To(HaveKeyWithValue("msg", "hello"))
	})

	It("writes text outside prod", func() {
		var buf bytes.Buffer
		log := logger.NewWithWriter(&buf, "info", false, "dev")
		log.Info("hello")
		Expect(buf.String()).To(ContainSubstring("environment=dev"))
		Expect(buf.String()).To(ContainSubstring("msg=hello"))
	})
})
