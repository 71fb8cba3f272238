package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"jobqueue/internal/domain"
	"jobqueue/internal/payload"
	"jobqueue/internal/queue"
)

func publishReq(projectID string, priority int) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Type:      domain.KindPublish,
		ProjectID: projectID,
		Payload:   map[string]any{"articleId": "a-1", "integrationId": "wp-1"},
		Priority:  priority,
	}
}

var _ = Describe("Broker Queue", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		transport *fakeTransport
		q         *Queue
	)

	newQueue := func() {
		q = New(transport, payload.DefaultRegistry(),
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
	}

	enqueue := func(req queue.EnqueueRequest) string {
		id, err := q.Enqueue(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	pendingCount := func() int {
		jobs, err := q.List(ctx, queue.Filter{})
		Expect(err).NotTo(HaveOccurred())
		return len(jobs)
	}

	reserve := func(filter queue.Filter) queue.Handle {
		h, err := q.ReserveNext(ctx, filter)
		Expect(err).NotTo(HaveOccurred())
		Expect(h).NotTo(BeNil())
		return h
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		transport = newFakeTransport()
	})

	AfterEach(func() {
		if q != nil {
			Expect(q.Close()).To(Succeed())
			q = nil
		}
		cancel()
	})

	Context("When the broker is reachable", func() {
		BeforeEach(func() {
			newQueue()
			Expect(q.Ready(ctx)).To(Succeed())
		})

		It("should report the broker backend", func() {
			Expect(q.Backend()).To(Equal(queue.BackendBroker))
		})

		It("should publish a persistent envelope routed by project", func() {
			id := enqueue(publishReq("p1", 15))

			msgs := transport.publishedMessages()
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].RoutingKey).To(Equal("project.p1"))
			Expect(msgs[0].MessageID).To(Equal(id))
			Expect(msgs[0].Priority).To(Equal(uint8(9)))

			var env map[string]any
			Expect(json.Unmarshal(msgs[0].Body, &env)).To(Succeed())
			Expect(env).To(HaveKeyWithValue("id", id))
			Expect(env).To(HaveKeyWithValue("type", "publish"))
			Expect(env).To(HaveKeyWithValue("projectId", "p1"))
			Expect(env).To(HaveKeyWithValue("priority", float64(9)))
			Expect(env).To(HaveKeyWithValue("attempts", float64(0)))
			Expect(env).To(HaveKey("runAt"))
			Expect(env).To(HaveKey("createdAt"))
			Expect(env).To(HaveKey("updatedAt"))
		})

		It("should reject invalid payloads without publishing", func() {
			_, err := q.Enqueue(ctx, queue.EnqueueRequest{Type: domain.KindCrawl, Payload: map[string]any{}})
			var verr *payload.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(transport.publishedMessages()).To(BeEmpty())
		})

		It("should reject project ids that break topic routing", func() {
			for _, projectID := range []string{"acme.com", "p*", "p#"} {
				_, err := q.Enqueue(ctx, publishReq(projectID, 0))
				var verr *payload.ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue(), projectID)
				Expect(verr.Field).To(Equal("projectId"))
			}
			Expect(transport.publishedMessages()).To(BeEmpty())
		})

		It("should dispatch by priority then arrival, scoped by project", func() {
			a := enqueue(publishReq("p1", 0))
			b := enqueue(publishReq("p1", 5))
			enqueue(publishReq("p2", 9))
			Eventually(pendingCount).Should(Equal(3))

			filter := queue.Filter{ProjectID: "p1"}
			Expect(reserve(filter).Job().ID).To(Equal(b))
			Expect(reserve(filter).Job().ID).To(Equal(a))

			short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
			defer stop()
			h, err := q.ReserveNext(short, filter)
			Expect(h).To(BeNil())
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})

		It("should break priority ties in arrival order", func() {
			first := enqueue(publishReq("p1", 3))
			second := enqueue(publishReq("p1", 3))
			Eventually(pendingCount).Should(Equal(2))

			Expect(reserve(queue.Filter{}).Job().ID).To(Equal(first))
			Expect(reserve(queue.Filter{}).Job().ID).To(Equal(second))
		})

		It("should mark a reservation running", func() {
			enqueue(publishReq("p1", 1))
			job := reserve(queue.Filter{}).Job()

			Expect(job.Status).To(Equal(domain.StatusRunning))
			Expect(job.Attempts).To(Equal(1))
			Expect(job.StartedAt).NotTo(BeNil())
			Expect(pendingCount()).To(Equal(0))
		})

		It("should block a reservation until a matching job arrives", func() {
			result := make(chan queue.Handle, 1)
			go func() {
				defer GinkgoRecover()
				h, err := q.ReserveNext(ctx, queue.Filter{ProjectID: "p1"})
				Expect(err).NotTo(HaveOccurred())
				result <- h
			}()

			Consistently(result, 50*time.Millisecond).ShouldNot(Receive())
			enqueue(publishReq("p2", 9))
			Consistently(result, 50*time.Millisecond).ShouldNot(Receive())

			id := enqueue(publishReq("p1", 0))
			var h queue.Handle
			Eventually(result).Should(Receive(&h))
			Expect(h.Job().ID).To(Equal(id))
			Expect(pendingCount()).To(Equal(1))
		})

		It("should serve waiters in registration order", func() {
			var mu sync.Mutex
			var order []int
			var wg sync.WaitGroup

			for i := 0; i < 3; i++ {
				wg.Add(1)
				go func(n int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := q.ReserveNext(ctx, queue.Filter{})
					Expect(err).NotTo(HaveOccurred())
					mu.Lock()
					order = append(order, n)
					mu.Unlock()
				}(i)
				Eventually(func() int {
					q.mu.Lock()
					defer q.mu.Unlock()
					return len(q.waiters)
				}).Should(Equal(i + 1))
			}

			for i := 0; i < 3; i++ {
				enqueue(publishReq("p1", 0))
				Eventually(func() int {
					mu.Lock()
					defer mu.Unlock()
					return len(order)
				}).Should(Equal(i + 1))
			}
			wg.Wait()
			Expect(order).To(Equal([]int{0, 1, 2}))
		})

		It("should hand a single job to exactly one concurrent reserver", func() {
			handles := make(chan queue.Handle, 2)
			for i := 0; i < 2; i++ {
				go func() {
					defer GinkgoRecover()
					h, err := q.ReserveNext(ctx, queue.Filter{})
					if err == nil {
						handles <- h
					}
				}()
			}

			enqueue(publishReq("p1", 0))
			Eventually(handles).Should(Receive())
			Consistently(handles, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("should remove a cancelled waiter", func() {
			short, stop := context.WithCancel(ctx)
			errCh := make(chan error, 1)
			go func() {
				_, err := q.ReserveNext(short, queue.Filter{})
				errCh <- err
			}()
			Eventually(func() int {
				q.mu.Lock()
				defer q.mu.Unlock()
				return len(q.waiters)
			}).Should(Equal(1))

			stop()
			Eventually(errCh).Should(Receive(MatchError(context.Canceled)))

			enqueue(publishReq("p1", 0))
			Eventually(pendingCount).Should(Equal(1))
		})

		It("should hold future jobs until their runAt", func() {
			req := publishReq("p1", 9)
			req.RunAt = time.Now().Add(200 * time.Millisecond)
			id := enqueue(req)
			Eventually(pendingCount).Should(Equal(1))

			short, stop := context.WithTimeout(ctx, 20*time.Millisecond)
			defer stop()
			_, err := q.ReserveNext(short, queue.Filter{})
			Expect(err).To(MatchError(context.DeadlineExceeded))

			h, err := q.ReserveNext(ctx, queue.Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.Job().ID).To(Equal(id))
			Expect(time.Now()).To(BeTemporally(">=", req.RunAt))
		})

		It("should acknowledge on complete and keep the outcome stable", func() {
			enqueue(publishReq("p1", 0))
			h := reserve(queue.Filter{})

			Expect(h.Complete(ctx)).To(Succeed())
			Expect(transport.ackedTags()).To(Equal([]uint64{1}))

			Expect(h.Fail(ctx, errors.New("late"))).To(MatchError(queue.ErrAlreadySettled))
			Expect(h.Release(ctx, queue.ReleaseOptions{})).To(MatchError(queue.ErrAlreadySettled))
			Expect(transport.nackedTags()).To(BeEmpty())
			Expect(transport.publishedMessages()).To(HaveLen(1))
		})

		It("should reject without requeue on fail", func() {
			sub := q.Subscribe(8, queue.EventFailed)
			enqueue(publishReq("p1", 0))
			h := reserve(queue.Filter{})

			cause := errors.New("cms unavailable")
			Expect(h.Fail(ctx, cause)).To(Succeed())
			Expect(transport.nackedTags()).To(Equal(map[uint64]bool{1: false}))

			var evt queue.Event
			Eventually(sub.C()).Should(Receive(&evt))
			Expect(evt.Job.Status).To(Equal(domain.StatusFailed))
			Expect(evt.Job.LastError).To(Equal("cms unavailable"))
			Expect(evt.Err).To(MatchError(cause))
		})

		It("should republish then acknowledge on release", func() {
			id := enqueue(publishReq("p1", 1))
			h := reserve(queue.Filter{})

			prio := 6
			Expect(h.Release(ctx, queue.ReleaseOptions{Priority: &prio})).To(Succeed())

			msgs := transport.publishedMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].MessageID).To(Equal(id))
			Expect(msgs[1].Priority).To(Equal(uint8(6)))
			Expect(transport.ackedTags()).To(Equal([]uint64{1}))

			again := reserve(queue.Filter{})
			Expect(again.Job().ID).To(Equal(id))
			Expect(again.Job().Attempts).To(Equal(2))
			Expect(again.Job().Priority).To(Equal(6))
		})

		It("should keep a released job ineligible until its new runAt", func() {
			id := enqueue(publishReq("p1", 1))
			h := reserve(queue.Filter{})

			future := time.Now().Add(time.Hour)
			Expect(h.Release(ctx, queue.ReleaseOptions{RunAt: &future})).To(Succeed())
			Eventually(pendingCount).Should(Equal(1))

			jobs, err := q.List(ctx, queue.Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs[0].ID).To(Equal(id))
			Expect(jobs[0].Status).To(Equal(domain.StatusQueued))
			Expect(jobs[0].RunAt).To(BeTemporally("~", future, time.Millisecond))

			short, stop := context.WithTimeout(ctx, 30*time.Millisecond)
			defer stop()
			_, err = q.ReserveNext(short, queue.Filter{})
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})

		It("should keep the delivery when republishing fails", func() {
			enqueue(publishReq("p1", 1))
			h := reserve(queue.Filter{})

			transport.mu.Lock()
			transport.publishErr = errors.New("flow blocked")
			transport.mu.Unlock()

			var terr *queue.TransportError
			err := h.Release(ctx, queue.ReleaseOptions{})
			Expect(errors.As(err, &terr)).To(BeTrue())
			Expect(terr.Op).To(Equal(queue.OpPublish))
			Expect(transport.ackedTags()).To(BeEmpty())

			Expect(h.Fail(ctx, err)).To(Succeed())
		})

		It("should report ack failures as transport errors", func() {
			enqueue(publishReq("p1", 1))
			h := reserve(queue.Filter{})

			transport.mu.Lock()
			transport.ackErr = errors.New("channel closed")
			transport.mu.Unlock()

			var terr *queue.TransportError
			Expect(errors.As(h.Complete(ctx), &terr)).To(BeTrue())
			Expect(terr.Op).To(Equal(queue.OpAck))
			Expect(h.Complete(ctx)).To(MatchError(queue.ErrAlreadySettled))
		})

		It("should reject poison messages without requeue", func() {
			tag := transport.deliver("bad", []byte("{not json"))
			Eventually(transport.nackedTags).Should(HaveKeyWithValue(tag, false))

			tag = transport.deliver("no-id", []byte(`{"type":"crawl"}`))
			Eventually(transport.nackedTags).Should(HaveKeyWithValue(tag, false))
			Expect(pendingCount()).To(Equal(0))
		})

		It("should clamp wire priorities", func() {
			transport.deliver("j1", []byte(`{"id":"j1","type":"crawl","projectId":"p1","payload":{},"priority":"NaN"}`))
			transport.deliver("j2", []byte(`{"id":"j2","type":"crawl","projectId":"p1","payload":{},"priority":42.5}`))
			transport.deliver("j3", []byte(`{"id":"j3","type":"crawl","projectId":"p1","payload":{},"priority":-1}`))
			Eventually(pendingCount).Should(Equal(3))

			jobs, _ := q.List(ctx, queue.Filter{})
			prios := map[string]int{}
			for _, j := range jobs {
				prios[j.ID] = j.Priority
			}
			Expect(prios).To(Equal(map[string]int{"j1": 0, "j2": 9, "j3": 0}))
		})

		It("should emit enqueued on delivery and started on reservation", func() {
			sub := q.Subscribe(8)
			id := enqueue(publishReq("p1", 0))

			var evt queue.Event
			Eventually(sub.C()).Should(Receive(&evt))
			Expect(evt.Kind).To(Equal(queue.EventEnqueued))
			Expect(evt.Job.ID).To(Equal(id))
			Expect(evt.Backend).To(Equal(queue.BackendBroker))

			reserve(queue.Filter{})
			Eventually(sub.C()).Should(Receive(&evt))
			Expect(evt.Kind).To(Equal(queue.EventStarted))
		})

		It("should delete a pending job and acknowledge it", func() {
			id := enqueue(publishReq("p1", 0))
			Eventually(pendingCount).Should(Equal(1))

			ok, err := q.Delete(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(transport.ackedTags()).To(Equal([]uint64{1}))

			ok, err = q.Delete(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("should purge and drop the buffer on clear", func() {
			enqueue(publishReq("p1", 0))
			enqueue(publishReq("p1", 0))
			Eventually(pendingCount).Should(Equal(2))

			Expect(q.Clear(ctx)).To(Succeed())
			Expect(pendingCount()).To(Equal(0))
			Expect(transport.ackedTags()).To(ConsistOf(uint64(1), uint64(2)))
			Expect(transport.purgeCount()).To(Equal(1))
		})

		It("should ignore status overrides", func() {
			id := enqueue(publishReq("p1", 0))
			Eventually(pendingCount).Should(Equal(1))

			Expect(q.UpdateStatus(ctx, id, domain.StatusCanceled)).To(Succeed())
			jobs, _ := q.List(ctx, queue.Filter{})
			Expect(jobs[0].Status).To(Equal(domain.StatusQueued))
		})
	})

	Context("When the connection is lost", func() {
		BeforeEach(func() {
			newQueue()
			Expect(q.Ready(ctx)).To(Succeed())
		})

		It("should wake waiters with a connection error", func() {
			errCh := make(chan error, 1)
			go func() {
				_, err := q.ReserveNext(ctx, queue.Filter{})
				errCh <- err
			}()
			Eventually(func() int {
				q.mu.Lock()
				defer q.mu.Unlock()
				return len(q.waiters)
			}).Should(Equal(1))

			lost := errors.New("connection reset by peer")
			transport.drop(lost)

			var err error
			Eventually(errCh).Should(Receive(&err))
			var cerr *queue.ConnectionError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(errors.Is(err, lost)).To(BeTrue())
		})

		It("should stop reporting ready", func() {
			lost := errors.New("connection reset")
			transport.drop(lost)

			Eventually(func() error {
				return q.Ready(ctx)
			}).Should(MatchError(lost))

			var cerr *queue.ConnectionError
			Expect(errors.As(q.Ready(ctx), &cerr)).To(BeTrue())
		})

		It("should fail later operations", func() {
			transport.drop(nil)
			Eventually(func() error {
				_, err := q.ReserveNext(ctx, queue.Filter{})
				return err
			}).Should(MatchError(ErrTransportClosed))

			_, err := q.Enqueue(ctx, publishReq("p1", 0))
			var cerr *queue.ConnectionError
			Expect(errors.As(err, &cerr)).To(BeTrue())
		})
	})

	Context("When the broker is unreachable", func() {
		BeforeEach(func() {
			transport.connectErr = errors.New("dial tcp: connection refused")
			newQueue()
		})

		It("should resolve the ready future with a connection error", func() {
			err := q.Ready(ctx)
			var cerr *queue.ConnectionError
			Expect(errors.As(err, &cerr)).To(BeTrue())

			_, err = q.Enqueue(ctx, publishReq("p1", 0))
			Expect(errors.As(err, &cerr)).To(BeTrue())

			_, err = q.ReserveNext(ctx, queue.Filter{})
			Expect(errors.As(err, &cerr)).To(BeTrue())
		})
	})

	Context("When the queue is closed", func() {
		It("should wake waiters and reject new work", func() {
			newQueue()
			Expect(q.Ready(ctx)).To(Succeed())

			errCh := make(chan error, 1)
			go func() {
				_, err := q.ReserveNext(ctx, queue.Filter{})
				errCh <- err
			}()
			Eventually(func() int {
				q.mu.Lock()
				defer q.mu.Unlock()
				return len(q.waiters)
			}).Should(Equal(1))

			Expect(q.Close()).To(Succeed())
			Eventually(errCh).Should(Receive(MatchError(queue.ErrClosed)))

			_, err := q.Enqueue(ctx, publishReq("p1", 0))
			Expect(err).To(MatchError(queue.ErrClosed))
			Expect(q.Ready(ctx)).To(MatchError(queue.ErrClosed))
			q = nil
		})

		It("should not hang when closed during setup", func() {
			gate := make(chan struct{})
			transport.connectGate = gate
			newQueue()

			closed := make(chan error, 1)
			go func() { closed <- q.Close() }()
			Eventually(func() bool {
				q.mu.Lock()
				defer q.mu.Unlock()
				return q.closed
			}).Should(BeTrue())

			close(gate)
			Eventually(closed, time.Second).Should(Receive(BeNil()))
			Expect(q.Ready(ctx)).To(MatchError(queue.ErrClosed))
			q = nil
		})
	})
})

var _ = Describe("Envelope", func() {
	It("should round trip a job", func() {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		job := &domain.Job{
			ID:        "job-1",
			Type:      domain.KindCrawl,
			ProjectID: "p1",
			Payload:   json.RawMessage(`{"url":"https://example.com"}`),
			Priority:  4,
			Attempts:  2,
			RunAt:     now.Add(time.Minute),
			CreatedAt: now,
			UpdatedAt: now,
		}

		body, err := encodeEnvelope(job)
		Expect(err).NotTo(HaveOccurred())

		got, err := decodeEnvelope(body, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(job.ID))
		Expect(got.Type).To(Equal(job.Type))
		Expect(got.ProjectID).To(Equal(job.ProjectID))
		Expect(got.Payload).To(MatchJSON(job.Payload))
		Expect(got.Priority).To(Equal(4))
		Expect(got.Attempts).To(Equal(2))
		Expect(got.RunAt).To(BeTemporally("==", job.RunAt))
		Expect(got.CreatedAt).To(BeTemporally("==", job.CreatedAt))
		Expect(got.Status).To(Equal(domain.StatusQueued))
	})

	It("should default runAt to createdAt", func() {
		got, err := decodeEnvelope([]byte(`{"id":"j","type":"crawl","createdAt":"2026-03-01T12:00:00Z"}`), time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(got.RunAt).To(BeTemporally("==", got.CreatedAt))
	})

	It("should build routing keys from the project", func() {
		Expect(RoutingKey("p1")).To(Equal("project.p1"))
	})
})
