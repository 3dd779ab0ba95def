// Package channel - Snapshot and restore between the live state machines
// and their stored records.
package channel

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/klingon-exchange/klingpay/pkg/logging"
)

// variantFromName maps a stored variant name back to its descriptor.
func variantFromName(name string) (Variant, error) {
	switch name {
	case VariantMultisig.String():
		return VariantMultisig, nil
	case VariantCLTV.String():
		return VariantCLTV, nil
	default:
		return Variant{}, fmt.Errorf("unknown stored variant %q", name)
	}
}

// Snapshot captures the client channel for persistence. Call it whenever
// the machine advances; the save-state step in particular must be written
// before the contract is revealed.
func (c *Client) Snapshot() (*ClientRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	contract, err := txBytes(c.contract)
	if err != nil {
		return nil, err
	}
	refund, err := txBytes(c.refundTx)
	if err != nil {
		return nil, err
	}
	return &ClientRecord{
		Variant:        c.cfg.Variant.String(),
		State:          string(c.state),
		TotalValue:     int64(c.totalValue),
		ValueToMe:      int64(c.valueToMe),
		Expiry:         c.expiry,
		Contract:       contract,
		ContractOutput: c.contractOutput,
		Refund:         refund,
		RefundFee:      int64(c.refundFee),
	}, nil
}

// restorableClientStates are the phases a stored client channel may resume
// in. Anything earlier never reached durable storage by protocol rule.
var restorableClientStates = map[ClientState]bool{
	ClientSaveState:       true,
	ClientProvideContract: true,
	ClientReady:           true,
	ClientExpired:         true,
	ClientClosed:          true,
}

// RestoreClient rebuilds a client channel from its stored record. The
// record's variant must match the config's.
func RestoreClient(cfg ClientConfig, rec *ClientRecord) (*Client, error) {
	variant, err := variantFromName(rec.Variant)
	if err != nil {
		return nil, err
	}
	if variant != cfg.Variant {
		return nil, fmt.Errorf("stored channel is %s, config says %s", variant, cfg.Variant)
	}
	state := ClientState(rec.State)
	if !restorableClientStates[state] {
		return nil, fmt.Errorf("%w: stored client channel in state %s cannot resume",
			ErrIllegalState, state)
	}

	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	contract, err := txFromBytes(rec.Contract)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, fmt.Errorf("stored client channel has no contract")
	}
	refund, err := txFromBytes(rec.Refund)
	if err != nil {
		return nil, err
	}
	scripts, err := BuildContractScripts(cfg.Variant,
		cfg.Key.PubKey().SerializeCompressed(), cfg.ServerPubKey,
		rec.Expiry, cfg.Wallet.Params())
	if err != nil {
		return nil, err
	}
	if _, err := FindContractOutput(contract, scripts.Output); err != nil {
		return nil, fmt.Errorf("stored contract does not match our keys: %w", err)
	}

	c.state = state
	c.totalValue = btcutil.Amount(rec.TotalValue)
	c.valueToMe = btcutil.Amount(rec.ValueToMe)
	c.expiry = rec.Expiry
	c.scripts = scripts
	c.contract = contract
	c.contractOutput = rec.ContractOutput
	c.refundTx = refund
	c.refundFee = btcutil.Amount(rec.RefundFee)
	c.log.Info("client channel restored", "state", state, "value_to_me", c.valueToMe)
	return c, nil
}

// Snapshot captures the server channel for persistence.
func (s *Server) Snapshot() (*ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contract, err := txBytes(s.contract)
	if err != nil {
		return nil, err
	}
	settlement, err := txBytes(s.settlement)
	if err != nil {
		return nil, err
	}
	return &ServerRecord{
		Variant:      s.cfg.Variant.String(),
		State:        string(s.state),
		TotalValue:   int64(s.totalValue),
		BestValue:    int64(s.bestValueToMe),
		BestSig:      s.bestValueSig,
		Expiry:       s.expiry,
		Contract:     contract,
		ContractOut:  s.contractOutput,
		ClientScript: s.clientScript,
		Settlement:   settlement,
	}, nil
}

var restorableServerStates = map[ServerState]bool{
	ServerReady:   true,
	ServerClosing: true,
	ServerClosed:  true,
}

// RestoreServer rebuilds a server channel from its stored record so it can
// still settle after a restart. A channel stored mid-close resumes in ready
// so Close can rebuild and rebroadcast the settlement.
func RestoreServer(cfg ServerConfig, rec *ServerRecord) (*Server, error) {
	variant, err := variantFromName(rec.Variant)
	if err != nil {
		return nil, err
	}
	if variant != cfg.Variant {
		return nil, fmt.Errorf("stored channel is %s, config says %s", variant, cfg.Variant)
	}
	state := ServerState(rec.State)
	if !restorableServerStates[state] {
		return nil, fmt.Errorf("%w: stored server channel in state %s cannot resume",
			ErrIllegalState, state)
	}

	if cfg.Expiry.IsZero() {
		cfg.Expiry = rec.Expiry
	}
	contract, err := txFromBytes(rec.Contract)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, fmt.Errorf("stored server channel has no contract")
	}
	settlement, err := txFromBytes(rec.Settlement)
	if err != nil {
		return nil, err
	}

	scripts, err := BuildContractScripts(cfg.Variant, cfg.ClientPubKey,
		cfg.Key.PubKey().SerializeCompressed(), rec.Expiry, cfg.Wallet.Params())
	if err != nil {
		return nil, err
	}
	if _, err := FindContractOutput(contract, scripts.Output); err != nil {
		return nil, fmt.Errorf("stored contract does not match our keys: %w", err)
	}

	s := &Server{
		cfg:            cfg,
		expiry:         rec.Expiry,
		scripts:        scripts,
		contract:       contract,
		contractOutput: rec.ContractOut,
		totalValue:     btcutil.Amount(rec.TotalValue),
		clientScript:   rec.ClientScript,
		bestValueToMe:  btcutil.Amount(rec.BestValue),
		bestValueSig:   rec.BestSig,
		settlement:     settlement,
		events:         make(chan Event, 16),
		log: logging.GetDefault().Component("channel-server").
			With("variant", cfg.Variant.String()),
	}
	switch state {
	case ServerClosing:
		// The old broadcast outcome is unknown; go back to ready and let
		// the caller close again.
		s.state = ServerReady
	default:
		s.state = state
	}
	s.cfg.Wallet.Observe(contract)
	s.log.Info("server channel restored", "state", s.state, "best_value", s.bestValueToMe)
	return s, nil
}
