// senka-node runs one replication peer over the TCP transport. Metadata
// is a grow-only string set; each stdin line becomes a joined element.
// Peers given via -peers or the config file are dialed with retry, so a
// mesh can be brought up in any order and heals after restarts.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/senka"
	"github.com/unkn0wn-root/senka/transport"
)

type nodeConfig struct {
	ID        string   `yaml:"id"`
	Bind      string   `yaml:"bind"`
	Peers     []string `yaml:"peers"`
	AuthToken string   `yaml:"auth_token"`
	Tag       string   `yaml:"tag"`
}

func loadConfig(path string) (nodeConfig, error) {
	var cfg nodeConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(raw, &cfg)
	return cfg, err
}

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (overrides other flags)")
		bind    = flag.String("bind", ":5021", "listen address")
		peers   = flag.String("peers", "", "comma-separated peer addresses (host:port)")
		id      = flag.String("id", "", "peer id (default: generated)")
		auth    = flag.String("auth", "", "optional shared token for peer handshake")
	)
	flag.Parse()
	defer glog.Flush()

	cfg := nodeConfig{ID: *id, Bind: *bind, AuthToken: *auth}
	if *peers != "" {
		cfg.Peers = strings.Split(*peers, ",")
	}
	if *cfgPath != "" {
		var err error
		cfg, err = loadConfig(*cfgPath)
		if err != nil {
			glog.Exitf("load config %s: %v", *cfgPath, err)
		}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	tr, err := transport.NewTCP(transport.TCPConfig{
		ID:        transport.PeerID(cfg.ID),
		BindAddr:  cfg.Bind,
		AuthToken: cfg.AuthToken,
	})
	if err != nil {
		glog.Exitf("listen on %s: %v", cfg.Bind, err)
	}
	glog.Infof("node %s listening on %s", cfg.ID, tr.Addr())

	mgr := senka.New(
		tr,
		senka.Config{Tag: cfg.Tag},
		senka.NewSet[string](),
		senka.Union[string],
		senka.SetCodec[string]{},
	)
	view := mgr.RootView()
	_ = view.Subscribe(func() {
		if s, err := view.Get(); err == nil {
			glog.V(1).Infof("state now holds %d elements", s.Len())
		}
	})

	stop := make(chan struct{})
	for _, addr := range cfg.Peers {
		go dialLoop(tr, strings.TrimSpace(addr), stop)
	}

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			switch {
			case line == "":
			case line == "show":
				s, err := view.Get()
				if err != nil {
					fmt.Println(err)
					continue
				}
				items := s.Items()
				sort.Strings(items)
				fmt.Printf("%d elements: %s\n", len(items), strings.Join(items, " "))
			default:
				if err := view.Join(senka.NewSet(line)); err != nil {
					fmt.Println(err)
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stop)
	mgr.Close()
	tr.Close()
}

// dialLoop keeps one outbound link alive: dial, wait for the connection
// to drain, redial.
func dialLoop(tr *transport.TCPTransport, addr string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		pid, err := tr.Dial(addr)
		if err != nil {
			glog.V(1).Infof("dial %s: %v", addr, err)
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		conn, lease, ok := tr.Lookup(pid)
		if !ok {
			continue
		}
		select {
		case <-conn.Done():
			lease.Release()
		case <-stop:
			lease.Release()
			return
		}
	}
}
