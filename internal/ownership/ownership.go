// Package ownership binds devices to owner addresses and checks signed ownership proofs.
//
// Proofs use the wallet message-signing format: a compact secp256k1 signature over the
// double SHA-256 of the magic-prefixed message, so any wallet able to sign messages for a
// P2PKH or P2WPKH address can produce one.
package ownership

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
)

const messageMagic = "Bitcoin Signed Message:\n"

var (
	// ErrInvalidOwnerAddress is returned for addresses that do not decode on the configured network.
	ErrInvalidOwnerAddress = errors.New("invalid owner address")
	// ErrInvalidOwnershipSignature is returned when a proof was not made by the claimed owner.
	ErrInvalidOwnershipSignature = errors.New("invalid ownership signature")
	// ErrSignatureRequired is returned when proofs are mandatory and none was given.
	ErrSignatureRequired = errors.New("ownership signature required")
)

// ParamsForNetwork maps a network name to its chain parameters.
func ParamsForNetwork(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// Service validates ownership claims before they reach the registry.
type Service struct {
	registry          *registry.Registry
	chainParams       *chaincfg.Params
	requireSignatures bool
	logger            *log.Logger
}

// NewService creates an ownership service. When requireSignatures is false a claim
// without a signature is accepted on the address check alone.
func NewService(reg *registry.Registry, chainParams *chaincfg.Params, requireSignatures bool, logger *log.Logger) *Service {
	if chainParams == nil {
		chainParams = &chaincfg.MainNetParams
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		registry:          reg,
		chainParams:       chainParams,
		requireSignatures: requireSignatures,
		logger:            logger.WithComponent("ownership"),
	}
}

// Register validates o and records it.
func (s *Service) Register(o registry.Ownership) (registry.Ownership, error) {
	addr, err := s.decode(o.OwnerAddress)
	if err != nil {
		return registry.Ownership{}, err
	}
	if err := s.checkProof(addr, RegistrationMessage(o), o.Signature); err != nil {
		s.logger.WithDevice(o.DeviceID).Warn("ownership proof rejected", "owner", o.OwnerAddress)
		return registry.Ownership{}, err
	}
	return s.registry.RecordOwnership(o)
}

// Transfer moves deviceID to a new owner. The signature, when present, must come from the current owner.
func (s *Service) Transfer(deviceID, from, to string, signature []byte) error {
	if _, err := s.decode(to); err != nil {
		return err
	}
	fromAddr, err := s.decode(from)
	if err != nil {
		return err
	}
	if err := s.checkProof(fromAddr, TransferMessage(deviceID, from, to), signature); err != nil {
		return err
	}
	return s.registry.TransferDevice(deviceID, from, to)
}

// VerifyDeviceOwnership reports whether address owns deviceID.
func (s *Service) VerifyDeviceOwnership(deviceID, address string) bool {
	return s.registry.VerifyDeviceOwnership(deviceID, address)
}

// GetOwnerDevices lists the devices owned by address.
func (s *Service) GetOwnerDevices(address string) []string {
	return s.registry.GetOwnerDevices(address)
}

func (s *Service) decode(address string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, s.chainParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOwnerAddress, err)
	}
	if !addr.IsForNet(s.chainParams) {
		return nil, fmt.Errorf("%w: not a %s address", ErrInvalidOwnerAddress, s.chainParams.Name)
	}
	return addr, nil
}

func (s *Service) checkProof(addr btcutil.Address, message string, signature []byte) error {
	if len(signature) == 0 {
		if s.requireSignatures {
			return ErrSignatureRequired
		}
		return nil
	}
	return VerifyMessage(addr, message, signature, s.chainParams)
}

// RegistrationMessage is the text an owner signs to claim a device.
func RegistrationMessage(o registry.Ownership) string {
	return fmt.Sprintf("podd-ownership|%s|%s|%s|%s|%s|%d|%s",
		o.DeviceID, o.Manufacturer, o.Model, o.SerialNumber, o.FirmwareVersion, o.ChipCount, o.OwnerAddress)
}

// TransferMessage is the text the current owner signs to hand a device over.
func TransferMessage(deviceID, from, to string) string {
	return fmt.Sprintf("podd-transfer|%s|%s|%s", deviceID, from, to)
}

// MessageDigest returns the double SHA-256 of the magic-prefixed message.
func MessageDigest(message string) []byte {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_ = wire.WriteVarString(&buf, 0, messageMagic)
	_ = wire.WriteVarString(&buf, 0, message)
	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage produces a compact signature over message with key.
func SignMessage(key *btcec.PrivateKey, message string) ([]byte, error) {
	return ecdsa.SignCompact(key, MessageDigest(message), true)
}

// VerifyMessage checks that signature over message was made by the key behind addr.
func VerifyMessage(addr btcutil.Address, message string, signature []byte, params *chaincfg.Params) error {
	pub, compressed, err := ecdsa.RecoverCompact(signature, MessageDigest(message))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOwnershipSignature, err)
	}

	var serialized []byte
	if compressed {
		serialized = pub.SerializeCompressed()
	} else {
		serialized = pub.SerializeUncompressed()
	}
	pkHash := btcutil.Hash160(serialized)

	var derived btcutil.Address
	switch addr.(type) {
	case *btcutil.AddressPubKeyHash:
		derived, err = btcutil.NewAddressPubKeyHash(pkHash, params)
	case *btcutil.AddressWitnessPubKeyHash:
		if !compressed {
			return fmt.Errorf("%w: segwit owners must sign with a compressed key", ErrInvalidOwnershipSignature)
		}
		derived, err = btcutil.NewAddressWitnessPubKeyHash(pkHash, params)
	default:
		return fmt.Errorf("%w: unsupported address type %T", ErrInvalidOwnerAddress, addr)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOwnershipSignature, err)
	}

	if derived.EncodeAddress() != addr.EncodeAddress() {
		return ErrInvalidOwnershipSignature
	}
	return nil
}
