package braid

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/braidnetworks/braid/src/config"
	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/braidnetworks/braid/src/crypto/session"
	"github.com/braidnetworks/braid/src/discovery"
	"github.com/braidnetworks/braid/src/machine"
	bnet "github.com/braidnetworks/braid/src/net"
	"github.com/braidnetworks/braid/src/net/signal/wamp"
	"github.com/braidnetworks/braid/src/node"
	"github.com/braidnetworks/braid/src/replay"
	"github.com/braidnetworks/braid/src/service"
)

// Braid is the top-level object assembling a p2p node from a config: identity
// key, transport, peer store, recorder, node, and HTTP service.
type Braid struct {
	Config    *config.Config
	Node      *node.Node
	Transport *bnet.Transport
	Store     *discovery.BadgerPeerStore
	Service   *service.Service

	networkKey []byte
	policy     session.AuthPolicy
	seeds      []bnet.Multiaddress
	recorder   *replay.Recorder
	recordFile *os.File
	replayer   *replay.Replayer
	replayFile *os.File
}

// NewBraid wraps a config object. Call Init before Run.
func NewBraid(c *config.Config) *Braid {
	engine := &Braid{
		Config: c,
	}

	return engine
}

// validateConfig checks the parts of the config that cannot be defaulted. A
// malformed network key or seed address is a configuration error and aborts
// startup; a typo here must never silently produce a node on the wrong
// network.
func (b *Braid) validateConfig() error {
	b.policy = session.AuthPolicy(b.Config.AuthPolicy)
	if !b.policy.Valid() {
		return fmt.Errorf("unknown auth policy %q", b.Config.AuthPolicy)
	}

	if b.Config.NetworkKey != "" {
		netKey, err := hex.DecodeString(b.Config.NetworkKey)
		if err != nil {
			return fmt.Errorf("network key is not valid hex: %v", err)
		}
		b.networkKey = netKey
	}

	if b.policy != session.AuthIdentityOnly && len(b.networkKey) == 0 {
		return fmt.Errorf("auth policy %q requires a network key", b.policy)
	}

	for _, s := range b.Config.Seeds {
		ma, err := bnet.ParseMultiaddress(s)
		if err != nil {
			return err
		}
		if b.Config.WebRTC && ma.Scheme != bnet.SchemeWebRTC {
			return fmt.Errorf("seed %q: scheme %q unreachable over a WebRTC transport", s, ma.Scheme)
		}
		if !b.Config.WebRTC && ma.Scheme != bnet.SchemeTCP {
			return fmt.Errorf("seed %q: scheme %q unreachable over a TCP transport", s, ma.Scheme)
		}
		b.seeds = append(b.seeds, ma)
	}

	return nil
}

func (b *Braid) initKey() error {
	if b.Config.Key == nil {
		simpleKeyfile := keys.NewSimpleKeyfile(b.Config.Keyfile())

		privKey, err := simpleKeyfile.ReadKey()
		if err != nil {
			b.Config.Logger().Warn("Cannot read private key from file", err)

			privKey, err = Keygen(b.Config)
			if err != nil {
				b.Config.Logger().Error("Cannot generate a new private key", err)

				return err
			}

			b.Config.Logger().Infof("Created a new key: %s", keys.PublicKeyHex(&privKey.PublicKey))
		}

		b.Config.Key = privKey
	}
	return nil
}

func (b *Braid) initTransport() error {
	var streamLayer bnet.StreamLayer

	if b.Config.WebRTC {
		// On a WebRTC transport the node is addressed by its peer id on the
		// signaling server, not by an IP.
		signalID := keys.PeerIDFromPublicKey(&b.Config.Key.PublicKey).String()

		signalClient, err := wamp.NewClient(
			b.Config.SignalAddr,
			b.Config.SignalRealm,
			signalID,
			b.Config.CertFile(),
			b.Config.SignalSkipVerify,
			b.Config.TCPTimeout,
			b.Config.Logger(),
		)
		if err != nil {
			return err
		}

		streamLayer = bnet.NewWebRTCStreamLayer(
			signalClient,
			b.Config.ICEServers(),
			b.Config.Logger(),
		)
	} else {
		tcpLayer, err := bnet.NewTCPStreamLayer(b.Config.BindAddr, b.Config.AdvertiseAddr)
		if err != nil {
			return err
		}
		streamLayer = tcpLayer
	}

	b.Transport = bnet.NewTransport(
		streamLayer,
		b.Config.MaxConns,
		b.Config.TCPTimeout,
		b.Config.Logger(),
	)

	return nil
}

func (b *Braid) initStore() error {
	if !b.Config.Store {
		b.Config.Logger().Debug("peer store disabled, bootstrapping from seeds only")
		return nil
	}

	b.Config.Logger().WithField("path", b.Config.DatabaseDir).Debug("Attempting to load or create peer database")

	store, err := discovery.NewBadgerPeerStore(b.Config.DatabaseDir)
	if err != nil {
		return err
	}

	b.Store = store

	return nil
}

func (b *Braid) initRecorder() error {
	if !b.Config.Record {
		return nil
	}
	if b.Config.ReplayFile != "" {
		return fmt.Errorf("cannot record and replay in the same run")
	}

	f, err := os.Create(b.Config.RecordFile)
	if err != nil {
		return err
	}

	b.recordFile = f
	b.recorder = replay.NewRecorder(f)

	b.Config.Logger().WithField("path", b.Config.RecordFile).Debug("Recording transport events")

	return nil
}

func (b *Braid) initReplayer() error {
	if b.Config.ReplayFile == "" {
		return nil
	}

	f, err := os.Open(b.Config.ReplayFile)
	if err != nil {
		return err
	}

	b.replayFile = f
	b.replayer = replay.NewReplayer(f)

	b.Config.Logger().WithField("path", b.Config.ReplayFile).Info("Replaying transport events")

	return nil
}

func (b *Braid) initNode() error {
	opts := machine.DefaultOptions()
	opts.MaxConns = b.Config.MaxConns

	b.Node = node.NewNode(node.Config{
		Identity:         b.Config.Key,
		NetworkKey:       b.networkKey,
		Policy:           b.policy,
		Options:          opts,
		HeartbeatTimeout: b.Config.HeartbeatTimeout,
		Seeds:            b.seeds,
		Logger:           b.Config.Logger(),
	}, b.Transport, b.Store, b.recorder)

	if b.replayer != nil {
		// replay mode bootstraps from the log, not from seeds or the store
		b.Node.SetReplayer(b.replayer)
		return nil
	}

	if err := b.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	return nil
}

func (b *Braid) initService() error {
	if !b.Config.NoService {
		b.Service = service.NewService(b.Config.ServiceAddr, b.Node, b.Config.Logger())
	}
	return nil
}

// Init validates the configuration and builds every component in dependency
// order.
func (b *Braid) Init() error {
	if err := b.validateConfig(); err != nil {
		return err
	}

	if err := b.initKey(); err != nil {
		return err
	}

	if err := b.initTransport(); err != nil {
		return err
	}

	if err := b.initStore(); err != nil {
		return err
	}

	if err := b.initRecorder(); err != nil {
		return err
	}

	if err := b.initReplayer(); err != nil {
		return err
	}

	if err := b.initNode(); err != nil {
		return err
	}

	if err := b.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the service and the node. This is a blocking call that returns
// when the node shuts down.
func (b *Braid) Run() {
	if b.Service != nil {
		go b.Service.Serve()
	}

	b.Node.Run()

	if b.recordFile != nil {
		b.recordFile.Close()
	}
	if b.replayFile != nil {
		b.replayFile.Close()
	}
}

// Shutdown stops the node from another goroutine.
func (b *Braid) Shutdown() {
	b.Node.Shutdown()
}

// Keygen generates a new key pair for the datadir in the config object, but
// refuses to overwrite an existing keyfile.
func Keygen(c *config.Config) (*ecdsa.PrivateKey, error) {
	simpleKeyfile := keys.NewSimpleKeyfile(c.Keyfile())

	_, err := simpleKeyfile.ReadKey()
	if err == nil {
		return nil, fmt.Errorf("another key already lives under %s", c.Keyfile())
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
