package profile

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SleepersPreset is a portable smoke profile: three `sleep` daemons, two
// triggers with overlapping schedules.
type SleepersPreset struct{}

// NewSleepersPreset creates the sleepers preset.
func NewSleepersPreset() *SleepersPreset {
	return &SleepersPreset{}
}

func (p *SleepersPreset) ID() string {
	return "sleepers"
}

func (p *SleepersPreset) Description() string {
	return "three sleep daemons, kill and pause faults on 1s and 3s triggers"
}

func (p *SleepersPreset) Profile() *Profile {
	sleep := func(name string) Daemon {
		return Daemon{Name: name, Command: "sleep", Args: []string{"3600"}}
	}

	return &Profile{
		Name:        p.ID(),
		Description: p.Description(),
		Duration:    Duration(30 * time.Second),
		Daemons:     []Daemon{sleep("alpha"), sleep("beta"), sleep("gamma")},
		Faults: []Fault{
			{Name: "term-alpha", Kind: "kill", Targets: []string{"alpha"}, Signal: "term"},
			{Name: "pause-beta", Kind: "pause", Targets: []string{"beta"}, Duration: Duration(2 * time.Second)},
			{Name: "kill-beta-gamma", Kind: "kill", Targets: []string{"beta", "gamma"}, Signal: "kill", Delay: Duration(500 * time.Millisecond)},
		},
		Triggers: []Trigger{
			{
				Name:     "fast",
				Interval: Duration(time.Second),
				Faults: []WeightedFault{
					{Weight: 1, Fault: "term-alpha"},
					{Weight: 3, Fault: "pause-beta"},
				},
			},
			{
				Name:     "slow",
				Interval: Duration(3 * time.Second),
				Faults: []WeightedFault{
					{Weight: 1, Fault: "kill-beta-gamma"},
				},
			},
		},
	}
}

// D2EchoOptions locates the ZooKeeper install and the echo server classpath.
type D2EchoOptions struct {
	ZooKeeperHome string // Directory containing bin/zkServer.sh
	Java          string // java executable
	Classpath     string // Classpath holding LoadBalancerEchoServer
	ZKPort        int
	EchoPorts     []int
}

// D2EchoOptionsFromEnv reads ZOOKEEPER_HOME, JAVA_HOME, and CLASSPATH.
func D2EchoOptionsFromEnv() D2EchoOptions {
	opts := D2EchoOptions{
		ZooKeeperHome: os.Getenv("ZOOKEEPER_HOME"),
		Java:          "java",
		Classpath:     os.Getenv("CLASSPATH"),
		ZKPort:        2181,
		EchoPorts:     []int{9011, 9012},
	}
	if javaHome := os.Getenv("JAVA_HOME"); javaHome != "" {
		opts.Java = filepath.Join(javaHome, "bin", "java")
	}
	return opts
}

// D2EchoPreset runs a ZooKeeper server with two load balancer echo servers
// registered against it, then kills and pauses them on independent schedules.
type D2EchoPreset struct {
	opts D2EchoOptions
}

// NewD2EchoPreset creates the d2-echo preset.
func NewD2EchoPreset(opts D2EchoOptions) *D2EchoPreset {
	return &D2EchoPreset{opts: opts}
}

func (p *D2EchoPreset) ID() string {
	return "d2-echo"
}

func (p *D2EchoPreset) Description() string {
	return "ZooKeeper plus two LoadBalancerEchoServer instances; ZK kills and echo server pauses"
}

func (p *D2EchoPreset) Profile() *Profile {
	zkPort := strconv.Itoa(p.opts.ZKPort)

	zkServer := "zkServer.sh"
	if p.opts.ZooKeeperHome != "" {
		zkServer = filepath.Join(p.opts.ZooKeeperHome, "bin", "zkServer.sh")
	}

	daemons := []Daemon{{
		Name:    "zookeeper",
		Command: zkServer,
		Args:    []string{"start-foreground"},
	}}

	var echoNames []string
	for i, port := range p.opts.EchoPorts {
		name := "LoadBalancerEchoServer-" + strconv.Itoa(i+1)
		echoNames = append(echoNames, name)
		daemons = append(daemons, Daemon{
			Name:    name,
			Command: p.opts.Java,
			Args: []string{
				"-cp", p.opts.Classpath,
				"com.linkedin.d2.balancer.util.LoadBalancerEchoServer",
				"localhost", zkPort,
				"localhost", strconv.Itoa(port),
				"http", "/d2", "cluster-1", "service-1", "service-2",
			},
		})
	}

	return &Profile{
		Name:        p.ID(),
		Description: p.Description(),
		Daemons:     daemons,
		Setup: []SetupCommand{{
			Name:    "wait-for-zookeeper",
			Command: "sh",
			Args: []string{"-c",
				"for i in $(seq 1 30); do echo ruok | nc localhost " + zkPort + " | grep -q imok && exit 0; sleep 1; done; exit 1"},
			Timeout: Duration(45 * time.Second),
		}},
		Faults: []Fault{
			{Name: "kill-zookeeper", Kind: "kill", Targets: []string{"zookeeper"}, Signal: "kill"},
			{Name: "term-echo", Kind: "kill", Targets: echoNames, Signal: "term", Delay: Duration(2 * time.Second)},
			{Name: "pause-echo", Kind: "pause", Targets: echoNames, Duration: Duration(5 * time.Second)},
		},
		Triggers: []Trigger{
			{
				Name:     "zookeeper",
				Interval: Duration(30 * time.Second),
				Faults:   []WeightedFault{{Weight: 1, Fault: "kill-zookeeper"}},
			},
			{
				Name:     "echo",
				Interval: Duration(10 * time.Second),
				Faults: []WeightedFault{
					{Weight: 3, Fault: "pause-echo"},
					{Weight: 1, Fault: "term-echo"},
				},
			},
		},
	}
}

// Ensure presets implement Preset.
var (
	_ Preset = (*SleepersPreset)(nil)
	_ Preset = (*D2EchoPreset)(nil)
)
