package checker_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/checker"
)

var _ = Describe("OriginLimiter", func() {
	const origin = "https://example.com:443"
	var (
		ctx     context.Context
		limiter *checker.OriginLimiter
	)

	BeforeEach(func() {
		ctx = context.Background()
		limiter = checker.NewOriginLimiter(2)
	})

	It("hands out up to limit slots per origin", func() {
		Expect(limiter.Acquire(ctx, origin)).To(Succeed())
		Expect(limiter.Acquire(ctx, origin)).To(Succeed())

		held, waiting := limiter.InUse(origin)
		Expect(held).To(Equal(2))
		Expect(waiting).To(BeZero())
	})

	It("makes the next caller wait for a release", func() {
		Expect(limiter.Acquire(ctx, origin)).To(Succeed())
		Expect(limiter.Acquire(ctx, origin)).To(Succeed())

		acquired := make(chan error, 1)
		go func() { acquired <- limiter.Acquire(ctx, origin) }()

		Eventually(func() int {
			_, waiting := limiter.InUse(origin)
			return waiting
		}).Should(Equal(1))
		Consistently(acquired, 30*time.Millisecond).ShouldNot(Receive())

		limiter.Release(origin)
		Eventually(acquired).Should(Receive(BeNil()))
	})

	It("gives up when the context expires", func() {
		Expect(limiter.Acquire(ctx, origin)).To(Succeed())
		Expect(limiter.Acquire(ctx, origin)).To(Succeed())

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		Expect(limiter.Acquire(short, origin)).To(MatchError(context.DeadlineExceeded))

		_, waiting := limiter.InUse(origin)
		Expect(waiting).To(BeZero())
	})

	It("keeps origins independent", func() {
		Expect(limiter.Acquire(ctx, origin)).To(Succeed())
		Expect(limiter.Acquire(ctx, origin)).To(Succeed())
		Expect(limiter.Acquire(ctx, "http://other.example:80")).To(Succeed())
	})

	It("forgets only idle origins", func() {
		Expect(limiter.Acquire(ctx, origin)).To(Succeed())
		Expect(limiter.Forget(origin)).To(BeFalse())

		limiter.Release(origin)
		Expect(limiter.Forget(origin)).To(BeTrue())

		held, _ := limiter.InUse(origin)
		Expect(held).To(BeZero())
	})

	It("treats a non-positive limit as one", func() {
		Expect(checker.NewOriginLimiter(0).Limit()).To(Equal(1))
	})
})
