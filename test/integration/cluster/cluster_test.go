// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

//go:build integration

package cluster_test

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/hirewire/notifybus/internal/auth"
	"github.com/hirewire/notifybus/internal/broadcast"
	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/gateway"
	"github.com/hirewire/notifybus/internal/notify"
	"github.com/hirewire/notifybus/internal/store"
)

var testSecret = []byte("cluster-integration-secret")

// node is one notifybus process: gateway, TCP listener, dispatcher and
// notification service wired to a shared broadcast backend.
type node struct {
	service *notify.Service
	tcp     *gateway.TCPServer
	gw      *gateway.Gateway
	cluster core.Broadcaster
	cancel  context.CancelFunc
	done    chan struct{}
}

func backendConfig(backend string) broadcast.Config {
	cfg := broadcast.Config{Backend: backend, Channel: "notifybus_it_" + backend}
	switch backend {
	case broadcast.BackendRedis:
		cfg.RedisAddr = env.redisAddr
	case broadcast.BackendPostgres:
		cfg.PostgresDSN = env.connStr
	case broadcast.BackendNATS:
		cfg.NATSURL = env.natsURL
	}
	return cfg
}

func startNode(backend, id string) *node {
	logger := slog.New(slog.DiscardHandler)
	ctx, cancel := context.WithCancel(env.ctx)

	cluster, err := broadcast.New(ctx, backendConfig(backend), logger)
	Expect(err).NotTo(HaveOccurred())

	registry := core.NewRegistry(logger)
	dispatcher, err := core.NewDispatcher(registry,
		core.WithCluster(cluster),
		core.WithNodeID(id),
		core.WithDispatcherLogger(logger),
	)
	Expect(err).NotTo(HaveOccurred())

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: testSecret})
	Expect(err).NotTo(HaveOccurred())

	opts := gateway.DefaultOptions()
	opts.Logger = logger
	gw, err := gateway.New(registry, verifier, opts)
	Expect(err).NotTo(HaveOccurred())

	tcp, err := gateway.NewTCPServer(gw, gateway.TCPOptions{Addr: "127.0.0.1:0", Logger: logger})
	Expect(err).NotTo(HaveOccurred())

	service, err := notify.NewService(store.NewPostgresNotificationStore(env.pool), dispatcher, logger)
	Expect(err).NotTo(HaveOccurred())

	n := &node{service: service, tcp: tcp, gw: gw, cluster: cluster, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(n.done)
		_ = tcp.Run(ctx)
	}()
	go func() { _ = dispatcher.Run(ctx) }()

	Eventually(tcp.Addr).ShouldNot(BeEmpty())
	return n
}

func (n *node) stop() {
	n.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = n.gw.Shutdown(shutdownCtx)
	Eventually(n.done, 10*time.Second).Should(BeClosed())
	_ = n.cluster.Close()
}

// client is an authenticated line-protocol connection.
type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func connect(n *node, subject string) *client {
	conn, err := net.Dial("tcp", n.tcp.Addr())
	Expect(err).NotTo(HaveOccurred())
	c := &client{conn: conn, r: bufio.NewReader(conn)}

	Expect(c.read(5 * time.Second)).To(MatchJSON(`{"type":"auth_required"}`))

	token, err := auth.IssueToken(testSecret, subject, auth.TokenOptions{})
	Expect(err).NotTo(HaveOccurred())
	_, err = conn.Write([]byte(`{"type":"authenticate","token":"` + token + `"}` + "\n"))
	Expect(err).NotTo(HaveOccurred())
	Expect(c.read(5 * time.Second)).To(MatchJSON(`{"type":"auth_success"}`))
	return c
}

func (c *client) read(wait time.Duration) string {
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

var _ = Describe("Cross-node fanout", func() {
	DescribeTable("delivers a notification created on one node to a client on another",
		func(backend string) {
			a := startNode(backend, "node-a-"+backend)
			defer a.stop()
			b := startNode(backend, "node-b-"+backend)
			defer b.stop()

			c := connect(a, "42")
			defer c.conn.Close()

			// Subscriptions start asynchronously, and delivery is
			// at-most-once, so keep creating until one arrives.
			var frame map[string]any
			Eventually(func() bool {
				_, err := b.service.Notify(env.ctx, core.Notification{
					RecipientID: "42",
					Type:        core.NotificationCVViewed,
					Title:       "Your CV was viewed",
					Related:     &core.RelatedObject{Type: "job", ID: 3},
				})
				Expect(err).NotTo(HaveOccurred())

				line := c.read(500 * time.Millisecond)
				if line == "" {
					return false
				}
				return json.Unmarshal([]byte(line), &frame) == nil
			}, 20*time.Second, 10*time.Millisecond).Should(BeTrue())

			Expect(frame).To(HaveKeyWithValue("type", "notify"))
			Expect(frame).To(HaveKeyWithValue("notification_type", "cv_viewed"))
			Expect(frame).To(HaveKeyWithValue("related_object", map[string]any{"type": "job", "id": float64(3)}))
		},
		Entry("redis", broadcast.BackendRedis),
		Entry("postgres", broadcast.BackendPostgres),
		Entry("nats", broadcast.BackendNATS),
	)

	It("does not deliver to other recipients", func() {
		a := startNode(broadcast.BackendRedis, "node-a-isolation")
		defer a.stop()
		b := startNode(broadcast.BackendRedis, "node-b-isolation")
		defer b.stop()

		other := connect(a, "7")
		defer other.conn.Close()
		target := connect(a, "42")
		defer target.conn.Close()

		Eventually(func() string {
			_, err := b.service.Notify(env.ctx, core.Notification{
				RecipientID: "42",
				Type:        core.NotificationSystem,
				Title:       "Maintenance tonight",
			})
			Expect(err).NotTo(HaveOccurred())
			return target.read(500 * time.Millisecond)
		}, 20*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())

		Expect(other.read(300 * time.Millisecond)).To(BeEmpty())
	})
})
