package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"jobqueue/internal/api"
	"jobqueue/internal/config"
	"jobqueue/internal/domain"
	"jobqueue/internal/observer"
	"jobqueue/internal/payload"
	"jobqueue/internal/queue"
	"jobqueue/internal/queue/memory"
	memorystore "jobqueue/internal/store/memory"
	"jobqueue/internal/worker"
)

var _ = Describe("Job Pipeline", func() {
	var (
		q        *memory.Queue
		statuses *memorystore.StatusStore
		server   *api.Server
		handlers *worker.Handlers
		cancel   context.CancelFunc
		done     chan struct{}
	)

	request := func(method, path, body string) (int, map[string]any) {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := server.App().Test(req, -1)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var out map[string]any
		if resp.StatusCode != http.StatusNoContent {
			Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
		}
		return resp.StatusCode, out
	}

	enqueue := func(body string) string {
		status, out := request(http.MethodPost, "/v1/jobs", body)
		Expect(status).To(Equal(http.StatusCreated))
		return out["data"].(map[string]any)["id"].(string)
	}

	lastEvent := func(id string) func() string {
		return func() string {
			status, out := request(http.MethodGet, "/v1/jobs/"+id+"/status", "")
			if status != http.StatusOK {
				return ""
			}
			return out["data"].(map[string]any)["event"].(string)
		}
	}

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		q = memory.NewQueue(payload.DefaultRegistry(), memory.WithLogger(logger))
		statuses = memorystore.NewStatusStore()
		handlers = worker.NewHandlers()

		obs := observer.New(q, logger, observer.NewStatusSink(statuses, "memory", time.Hour))
		pool := worker.NewPool(q, handlers,
			worker.WithConcurrency(2),
			worker.WithPollInterval(5*time.Millisecond),
			worker.WithMaxAttempts(3),
			worker.WithBackoff(worker.ConstantBackoff(0)),
			worker.WithLogger(logger),
		)
		server = api.NewServer(api.ServerDeps{
			Config:            &config.ServerConfig{Host: "127.0.0.1"},
			Logger:            logger,
			Queue:             q,
			JobHandler:        api.NewJobHandler(q, statuses, logger),
			DisableRequestLog: true,
		})

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go func() {
			defer close(done)
			finished := make(chan struct{}, 2)
			go func() { _ = obs.Run(ctx); finished <- struct{}{} }()
			go func() { _ = pool.Run(ctx); finished <- struct{}{} }()
			<-finished
			<-finished
		}()
	})

	AfterEach(func() {
		cancel()
		Eventually(done).Should(BeClosed())
		Expect(q.Close()).To(Succeed())
	})

	It("runs an enqueued job to success", func() {
		var ran atomic.Int32
		handlers.Register(domain.KindCrawl, func(context.Context, domain.Job) error {
			ran.Add(1)
			return nil
		})

		id := enqueue(`{"type":"crawl","projectId":"p1","payload":{"url":"https://example.com"}}`)

		Eventually(lastEvent(id), 2*time.Second, 10*time.Millisecond).Should(Equal(string(queue.EventSucceeded)))
		Expect(ran.Load()).To(Equal(int32(1)))

		status, out := request(http.MethodGet, "/v1/projects/p1/jobs", "")
		Expect(status).To(Equal(http.StatusOK))
		Expect(out["data"]).To(HaveLen(1))
	})

	It("records the failure once retries run out", func() {
		handlers.Register(domain.KindPublish, func(context.Context, domain.Job) error {
			return errors.New("cms unavailable")
		})

		id := enqueue(`{"type":"publish","projectId":"p1","payload":{"articleId":"a-1","integrationId":"wp-1"}}`)

		Eventually(lastEvent(id), 2*time.Second, 10*time.Millisecond).Should(Equal(string(queue.EventFailed)))

		_, out := request(http.MethodGet, "/v1/jobs/"+id+"/status", "")
		data := out["data"].(map[string]any)
		Expect(data["error"]).To(Equal("cms unavailable"))
		Expect(data["job"].(map[string]any)["attempts"]).To(BeEquivalentTo(3))
	})

	It("keeps a future job out of reach until it is canceled", func() {
		handlers.Register(domain.KindCrawl, func(context.Context, domain.Job) error {
			return nil
		})

		runAt := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		id := enqueue(`{"type":"crawl","projectId":"p1","runAt":"` + runAt + `","payload":{"url":"https://example.com"}}`)

		Consistently(func() domain.Status {
			jobs, _ := q.List(context.Background(), queue.Filter{ProjectID: "p1"})
			return jobs[0].Status
		}, 50*time.Millisecond, 10*time.Millisecond).Should(Equal(domain.StatusQueued))

		status, _ := request(http.MethodPut, "/v1/jobs/"+id+"/status", `{"status":"canceled"}`)
		Expect(status).To(Equal(http.StatusNoContent))

		jobs, err := q.List(context.Background(), queue.Filter{ProjectID: "p1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].Status).To(Equal(domain.StatusCanceled))
		Expect(jobs[0].FinishedAt).NotTo(BeNil())
	})
})
