//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
	"github.com/eliteGoblin/focusd/chaosmon/internal/infra"
	"github.com/eliteGoblin/focusd/chaosmon/internal/profile"
	"github.com/eliteGoblin/focusd/chaosmon/internal/supervisor"
	"github.com/eliteGoblin/focusd/chaosmon/internal/usecase"
	"github.com/eliteGoblin/focusd/chaosmon/test/fixtures"
)

var _ = Describe("Chaos run", func() {
	var (
		cluster  *fixtures.FakeCluster
		pm       domain.ProcessManager
		sup      *supervisor.Supervisor
		journal  *infra.SQLJournal
		registry domain.RunRegistry
		logger   *zap.Logger
	)

	BeforeEach(func() {
		tmpDir, err := os.MkdirTemp("", "chaosmon-integration-*")
		Expect(err).NotTo(HaveOccurred())

		cluster = fixtures.NewFakeCluster(tmpDir)
		Expect(cluster.Create()).To(Succeed())

		key, err := infra.EnsureKey(infra.NewFileKeyProvider(filepath.Join(tmpDir, "keys")))
		Expect(err).NotTo(HaveOccurred())
		journal, err = infra.NewSQLJournal(cluster.JournalPath(), key)
		Expect(err).NotTo(HaveOccurred())

		logger = zap.NewNop()
		pm = infra.NewProcessManager()
		config := supervisor.DefaultConfig()
		config.LogDir = cluster.LogDir()
		sup = supervisor.New(config, pm, logger)
		registry = infra.NewFileRegistry(cluster.StateDir())
	})

	AfterEach(func() {
		sup.KillAll()
		journal.Close()
		cluster.Cleanup()
	})

	newOrchestrator := func() *usecase.Orchestrator {
		p, err := profile.Load(cluster.ProfilePath())
		Expect(err).NotTo(HaveOccurred())

		orch, err := usecase.NewOrchestrator(p, sup, infra.NewExecRunner(logger), journal, registry,
			usecase.OrchestratorConfig{JoinTimeout: 5 * time.Second}, logger)
		Expect(err).NotTo(HaveOccurred())
		return orch
	}

	Describe("running the profile to completion", func() {
		It("should inject faults, journal them, and leave nothing behind", func() {
			orch := newOrchestrator()

			start := time.Now()
			Expect(orch.Run(context.Background())).To(Succeed())
			Expect(time.Since(start)).To(BeNumerically("<", 15*time.Second))

			By("killing every daemon and its children")
			for _, info := range sup.Snapshot() {
				Expect(info.State.Alive()).To(BeFalse(), "daemon %s still alive", info.Name)
			}
			childPID, err := cluster.ChildPID()
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() bool { return pm.IsRunning(childPID) }, 5*time.Second).Should(BeFalse())

			By("journaling the run")
			events, err := journal.Events(orch.RunID())
			Expect(err).NotTo(HaveOccurred())
			Expect(events).NotTo(BeEmpty())
			Expect(events[0].Kind).To(Equal(domain.EventRunStarted))
			Expect(events[len(events)-1].Kind).To(Equal(domain.EventRunStopped))

			faults := map[string]int{}
			for _, ev := range events {
				if ev.Kind == domain.EventFaultInjected {
					faults[ev.Subject]++
				}
			}
			Expect(faults["term-stubborn"]).To(BeNumerically(">=", 4))
			Expect(faults["kill-steady"] + faults["pause-forker"]).To(BeNumerically(">=", 1))

			By("clearing the run state")
			state, err := registry.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeNil())
		})

		It("should leave a daemon that ignores SIGTERM running until shutdown", func() {
			orch := newOrchestrator()
			done := make(chan error, 1)
			go func() { done <- orch.Run(context.Background()) }()

			Eventually(func() int {
				events, _ := journal.Events(orch.RunID())
				n := 0
				for _, ev := range events {
					if ev.Kind == domain.EventFaultInjected && ev.Subject == "term-stubborn" {
						n++
					}
				}
				return n
			}, 5*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 2))

			st, err := sup.Status("stubborn")
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(Equal(domain.StateRunning))

			orch.RequestShutdown()
			Eventually(done, 10*time.Second).Should(Receive(BeNil()))

			st, err = sup.Status("stubborn")
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(Equal(domain.StateStopped))
		})
	})

	Describe("recovering after a crashed controller", func() {
		It("should kill leftovers recorded in the run state", func() {
			orch := newOrchestrator()
			done := make(chan error, 1)
			go func() { done <- orch.Run(context.Background()) }()

			var state *domain.RunState
			Eventually(func() int {
				var err error
				state, err = registry.Load()
				if err != nil || state == nil {
					return 0
				}
				return len(state.Daemons)
			}, 5*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))

			// Simulate a dead controller by rewriting the state with a foreign PID
			snapshot := *state
			snapshot.ControllerPID = 999999
			orch.RequestShutdown()
			Eventually(done, 10*time.Second).Should(Receive(BeNil()))

			leftover := supervisor.New(supervisor.DefaultConfig(), pm, logger)
			Expect(leftover.Register(domain.DaemonSpec{Name: "orphan", Command: "sleep", Args: []string{"3600"}})).To(Succeed())
			Expect(leftover.Start("orphan")).To(Succeed())
			info, err := leftover.Info("orphan")
			Expect(err).NotTo(HaveOccurred())

			snapshot.Daemons = map[string]domain.TrackedProcess{
				"orphan": {PID: info.PID, CreateTime: info.CreateTime},
			}
			Expect(registry.Save(snapshot)).To(Succeed())

			report, err := usecase.Cleanup(registry, pm, false, logger)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Daemons).To(HaveLen(1))
			Expect(report.Daemons[0].Killed).To(BeTrue())

			Eventually(func() domain.DaemonState {
				st, _ := leftover.Status("orphan")
				return st
			}, 5*time.Second).Should(Equal(domain.StateStopped))

			state, err = registry.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeNil())
		})
	})
})
