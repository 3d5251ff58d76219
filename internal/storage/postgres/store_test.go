package postgres_test

import (
	"context"
	"os"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage/postgres"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage/storagetest"
)

const urlEnv = "UPTIME_TEST_POSTGRES_URL"

func connect() *postgres.PostgresStore {
	url := os.Getenv(urlEnv)
	if url == "" {
		Skip(urlEnv + " not set")
	}
	store, err := postgres.New(context.Background(), url)
	Expect(err).NotTo(HaveOccurred())
	return store
}

var _ = Describe("PostgresStore", func() {
	storagetest.DescribeStorer(func() storage.Storer { return connect() })

	Describe("TryLock", func() {
		var store *postgres.PostgresStore

		BeforeEach(func() {
			store = nil
			store = connect()
		})

		AfterEach(func() {
			if store != nil {
				store.Close()
			}
		})

		It("grants a key to one holder at a time", func() {
			ctx := context.Background()
			key := "scan-" + uuid.NewString()

			release, ok, err := store.TryLock(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			_, ok, err = store.TryLock(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			release()

			release, ok, err = store.TryLock(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			release()
		})
	})
})
