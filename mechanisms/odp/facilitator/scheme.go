// Package facilitator implements the facilitator side of the deferred
// payment scheme: inline receipt verification against session state and
// batched settlement against the payer's debit wallet.
package facilitator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/atomic"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
	"github.com/FluxA-Agent-Payment/x402/mechanisms/odp"
	"github.com/FluxA-Agent-Payment/x402/mechanisms/odp/store"
)

const (
	// DefaultMaxReceiptsPerSettlement bounds one settlement batch.
	DefaultMaxReceiptsPerSettlement = 100

	// DefaultAutoSettleInterval is the background settlement tick.
	DefaultAutoSettleInterval = 30 * time.Second
)

// Config holds the facilitator's chain and policy configuration.
type Config struct {
	// Network is the CAIP-2 network this facilitator settles on, e.g.
	// "eip155:84532". The chain id for EIP-712 domains derives from it.
	Network x402.Network

	// SettlementContract is the EIP-712 verifying contract and the target of
	// onchain settlement calls.
	SettlementContract string

	// DebitWallet is the escrow contract receipts draw against.
	DebitWallet string

	// WithdrawDelaySeconds is the withdrawal delay the debit wallet must
	// enforce, as a decimal string.
	WithdrawDelaySeconds string

	// SettlementMode selects synthetic or onchain settlement. Defaults to
	// synthetic.
	SettlementMode odp.SettlementMode

	// AuthorizedProcessors optionally restricts which facilitator addresses
	// may settle sessions. Published to resource servers via GetExtra.
	AuthorizedProcessors []string

	// MaxReceiptsPerSettlement caps one settlement batch. Zero means
	// DefaultMaxReceiptsPerSettlement.
	MaxReceiptsPerSettlement int

	// MaxAmountPerReceipt optionally caps a single receipt, as a decimal
	// string. Empty means no cap.
	MaxAmountPerReceipt string

	// AutoSettleInterval is the background settlement tick. Zero means
	// DefaultAutoSettleInterval.
	AutoSettleInterval time.Duration

	// Store persists session state. Defaults to an in-memory store.
	Store store.SessionStore

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Ensure OdpFacilitator implements SchemeNetworkFacilitator
var _ x402.SchemeNetworkFacilitator = (*OdpFacilitator)(nil)

// OdpFacilitator verifies per-request receipts against payer-approved
// sessions and settles accepted receipts in contiguous-nonce batches.
type OdpFacilitator struct {
	signer  odp.FacilitatorEvmSigner
	config  Config
	chainID *big.Int
	store   store.SessionStore
	logger  *slog.Logger
	locks   *sessionLocks
	now     func() time.Time

	mu         sync.Mutex
	pending    []string
	pendingSet map[string]struct{}

	verifiedReceipts atomic.Int64
	settledReceipts  atomic.Int64
	settlementTxs    atomic.Int64
}

// Metrics is a point-in-time snapshot of the facilitator's counters.
type Metrics struct {
	VerifiedReceipts       int64 `json:"verifiedReceipts"`
	SettledReceipts        int64 `json:"settledReceipts"`
	SettlementTransactions int64 `json:"settlementTransactions"`
	PendingSessions        int64 `json:"pendingSessions"`
}

// NewOdpFacilitator builds a facilitator for one EVM network.
func NewOdpFacilitator(signer odp.FacilitatorEvmSigner, config Config) (*OdpFacilitator, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	chainID, err := odp.ParseChainID(string(config.Network))
	if err != nil {
		return nil, fmt.Errorf("invalid network: %w", err)
	}
	if !common.IsHexAddress(config.SettlementContract) {
		return nil, fmt.Errorf("invalid settlement contract address: %s", config.SettlementContract)
	}
	if !common.IsHexAddress(config.DebitWallet) {
		return nil, fmt.Errorf("invalid debit wallet address: %s", config.DebitWallet)
	}
	if _, err := encoding.ParseUint256(config.WithdrawDelaySeconds); err != nil {
		return nil, fmt.Errorf("invalid withdrawDelaySeconds: %w", err)
	}
	for _, processor := range config.AuthorizedProcessors {
		if !common.IsHexAddress(processor) {
			return nil, fmt.Errorf("invalid authorized processor address: %s", processor)
		}
	}
	switch config.SettlementMode {
	case "":
		config.SettlementMode = odp.SettlementSynthetic
	case odp.SettlementSynthetic, odp.SettlementOnchain:
	default:
		return nil, fmt.Errorf("unknown settlement mode: %s", config.SettlementMode)
	}
	if config.MaxAmountPerReceipt != "" {
		if _, err := encoding.ParseUint256(config.MaxAmountPerReceipt); err != nil {
			return nil, fmt.Errorf("invalid maxAmountPerReceipt: %w", err)
		}
	}
	if config.MaxReceiptsPerSettlement <= 0 {
		config.MaxReceiptsPerSettlement = DefaultMaxReceiptsPerSettlement
	}
	if config.AutoSettleInterval <= 0 {
		config.AutoSettleInterval = DefaultAutoSettleInterval
	}
	config.SettlementContract = common.HexToAddress(config.SettlementContract).Hex()
	config.DebitWallet = common.HexToAddress(config.DebitWallet).Hex()
	if config.Store == nil {
		config.Store = store.NewMemoryStore()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &OdpFacilitator{
		signer:     signer,
		config:     config,
		chainID:    chainID,
		store:      config.Store,
		logger:     config.Logger,
		locks:      newSessionLocks(),
		now:        time.Now,
		pendingSet: make(map[string]struct{}),
	}, nil
}

func (f *OdpFacilitator) Scheme() string {
	return odp.Scheme
}

func (f *OdpFacilitator) CaipFamily() string {
	return odp.NetworkFamily
}

// GetExtra publishes the chain parity fields resource servers must echo into
// payment requirements.
func (f *OdpFacilitator) GetExtra(network x402.Network) map[string]interface{} {
	if network != f.config.Network {
		return nil
	}
	extra := map[string]interface{}{
		"settlementContract":   f.config.SettlementContract,
		"debitWallet":          f.config.DebitWallet,
		"withdrawDelaySeconds": f.config.WithdrawDelaySeconds,
	}
	if len(f.config.AuthorizedProcessors) > 0 {
		processors := make([]interface{}, len(f.config.AuthorizedProcessors))
		for i, p := range f.config.AuthorizedProcessors {
			processors[i] = common.HexToAddress(p).Hex()
		}
		extra["authorizedProcessors"] = processors
	}
	return extra
}

func (f *OdpFacilitator) GetSigners(network x402.Network) []string {
	if network != f.config.Network {
		return []string{}
	}
	return f.signer.GetAddresses()
}

// Metrics returns a snapshot of the verification and settlement counters.
func (f *OdpFacilitator) Metrics() Metrics {
	f.mu.Lock()
	pendingSessions := int64(len(f.pending))
	f.mu.Unlock()
	return Metrics{
		VerifiedReceipts:       f.verifiedReceipts.Load(),
		SettledReceipts:        f.settledReceipts.Load(),
		SettlementTransactions: f.settlementTxs.Load(),
		PendingSessions:        pendingSessions,
	}
}

func invalidResponse(reason string) *x402.VerifyResponse {
	return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}
}

// Verify checks one receipt against the session's state. Checks run in a
// fixed order and the first failure wins; session state only changes when
// every check passes.
func (f *OdpFacilitator) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	if requirements.Scheme != odp.Scheme || payload.Accepted.Scheme != odp.Scheme {
		return invalidResponse(ErrUnsupportedScheme), nil
	}
	if payload.Accepted.Network != requirements.Network || requirements.Network != f.config.Network {
		return invalidResponse(ErrNetworkMismatch), nil
	}

	extras, err := odp.ParseExtra(requirements.Extra)
	if err != nil {
		return invalidResponse(ErrInvalidRequirementsExtra), nil
	}

	odpPayload, err := odp.ParsePayload(payload.Payload)
	if err != nil || odpPayload.Receipt == nil {
		return invalidResponse(ErrMissingReceipt), nil
	}
	if odpPayload.ReceiptSignature == "" {
		return invalidResponse(ErrMissingReceiptSignature), nil
	}
	receipt := *odpPayload.Receipt

	if receipt.SessionID != extras.SessionID {
		return invalidResponse(ErrSessionIDMismatch), nil
	}

	if !odp.SameAddress(extras.SettlementContract, f.config.SettlementContract) {
		return invalidResponse(ErrSettlementContractMismatch), nil
	}
	if !odp.SameAddress(extras.DebitWallet, f.config.DebitWallet) {
		return invalidResponse(ErrDebitWalletMismatch), nil
	}
	if !decimalEqual(extras.WithdrawDelaySeconds, f.config.WithdrawDelaySeconds) {
		return invalidResponse(ErrWithdrawDelayMismatch), nil
	}

	entry := f.locks.acquire(extras.SessionID)
	defer f.locks.release(extras.SessionID, entry)

	record, err := f.store.Get(ctx, extras.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	record, response, err := f.resolveSession(ctx, record, odpPayload, extras, requirements)
	if err != nil {
		return nil, err
	}
	if response != nil {
		return response, nil
	}

	if len(extras.AuthorizedProcessors) > 0 && !f.signerAuthorized(extras.AuthorizedProcessors) {
		return invalidResponse(ErrUnauthorizedProcessor), nil
	}

	balance, err := f.checkDebitWallet(ctx, record.Approval, extras)
	if err != nil {
		f.logger.DebugContext(ctx, "debit wallet check failed",
			slog.String("session", extras.SessionID),
			slog.String("error", err.Error()),
		)
		return invalidResponse(ErrDebitWalletWithdrawDelay), nil
	}

	if !f.receiptSignatureValid(ctx, record.Approval.Payer, receipt, odpPayload.ReceiptSignature) {
		return invalidResponse(ErrInvalidReceiptSignature), nil
	}

	// Receipt numerics parsed fine inside the signature check, so ParseUint256
	// cannot fail below.
	if receipt.Nonce != record.NextNonce {
		return invalidResponse(ErrReceiptNonceMismatch), nil
	}

	amount, _ := encoding.ParseUint256(receipt.Amount)
	if receipt.Amount != requirements.Amount {
		return invalidResponse(ErrReceiptAmountMismatch), nil
	}
	if f.config.MaxAmountPerReceipt != "" {
		maxPerReceipt, _ := encoding.ParseUint256(f.config.MaxAmountPerReceipt)
		if amount.Cmp(maxPerReceipt) > 0 {
			return invalidResponse(ErrReceiptAmountExceedsMax), nil
		}
	}

	now := big.NewInt(f.now().Unix())
	expiry, err := encoding.ParseUint256(record.Approval.Expiry)
	if err != nil {
		return nil, fmt.Errorf("stored approval has invalid expiry: %w", err)
	}
	if expiry.Cmp(now) < 0 {
		return invalidResponse(ErrSessionExpired), nil
	}
	deadline, _ := encoding.ParseUint256(receipt.Deadline)
	upper := new(big.Int).Add(now, big.NewInt(int64(requirements.MaxTimeoutSeconds)))
	if upper.Cmp(expiry) > 0 {
		upper = expiry
	}
	if deadline.Cmp(now) < 0 || deadline.Cmp(upper) > 0 {
		return invalidResponse(ErrReceiptDeadlineInvalid), nil
	}

	wantRequestHash := extras.RequestHash
	if wantRequestHash == "" {
		wantRequestHash = odp.ZeroHash
	}
	if !strings.EqualFold(receipt.RequestHash, wantRequestHash) {
		return invalidResponse(ErrRequestHashMismatch), nil
	}

	spent, err := encoding.ParseUint256(record.Spent)
	if err != nil {
		return nil, fmt.Errorf("stored session has invalid spent total: %w", err)
	}
	newSpent := new(big.Int).Add(spent, amount)
	maxSpend, _ := encoding.ParseUint256(record.Approval.MaxSpend)
	if newSpent.Cmp(maxSpend) > 0 {
		return invalidResponse(ErrMaxSpendExceeded), nil
	}
	if newSpent.Cmp(balance) > 0 {
		return invalidResponse(ErrInsufficientBalance), nil
	}

	nextNonce, _ := encoding.ParseUint256(record.NextNonce)
	record.Receipts = append(record.Receipts, receipt)
	record.Spent = newSpent.String()
	record.NextNonce = new(big.Int).Add(nextNonce, big.NewInt(1)).String()
	if err := f.store.Put(ctx, extras.SessionID, record); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	f.markPending(extras.SessionID)
	f.verifiedReceipts.Inc()

	f.logger.DebugContext(ctx, "receipt accepted",
		slog.String("session", extras.SessionID),
		slog.String("nonce", receipt.Nonce),
		slog.String("amount", receipt.Amount),
		slog.String("spent", record.Spent),
	)

	return &x402.VerifyResponse{IsValid: true, Payer: record.Approval.Payer}, nil
}

// resolveSession loads or creates the session record for this payment. It
// returns a non-nil response when verification fails. The returned record is
// not yet persisted for new sessions; the caller persists on full success.
func (f *OdpFacilitator) resolveSession(
	ctx context.Context,
	record *store.SessionRecord,
	odpPayload *odp.Payload,
	extras *odp.Extra,
	requirements x402.PaymentRequirements,
) (*store.SessionRecord, *x402.VerifyResponse, error) {
	wantProcessorsHash, err := odp.AuthorizedProcessorsHash(extras.AuthorizedProcessors)
	if err != nil {
		// Schema validation upstream makes this unreachable for parsed extras.
		return nil, invalidResponse(ErrInvalidRequirementsExtra), nil
	}

	if odpPayload.SessionApproval == nil {
		if record == nil {
			return nil, invalidResponse(ErrMissingSessionApproval), nil
		}
		stored := record.Approval
		// payTo must match the stored approval exactly, not merely as an
		// address.
		if requirements.PayTo != stored.Payee {
			return nil, invalidResponse(ErrRequirementsSessionMismatch), nil
		}
		if !odp.SameAddress(requirements.Asset, stored.Asset) {
			return nil, invalidResponse(ErrRequirementsSessionMismatch), nil
		}
		if extras.StartNonce != stored.StartNonce ||
			extras.MaxSpend != stored.MaxSpend ||
			extras.Expiry != stored.Expiry {
			return nil, invalidResponse(ErrRequirementsSessionMismatch), nil
		}
		if !strings.EqualFold(wantProcessorsHash, stored.AuthorizedProcessorsHash) {
			return nil, invalidResponse(ErrProcessorsHashMismatch), nil
		}
		return record, nil, nil
	}

	approval := *odpPayload.SessionApproval
	if odpPayload.SessionSignature == "" {
		return nil, invalidResponse(ErrMissingSessionSignature), nil
	}
	if !common.IsHexAddress(approval.Payer) {
		return nil, invalidResponse(ErrInvalidSessionSignature), nil
	}
	signature, err := odp.ParseSignature(odpPayload.SessionSignature)
	if err != nil {
		return nil, invalidResponse(ErrInvalidSessionSignature), nil
	}
	message, err := odp.ApprovalMessage(approval)
	if err != nil {
		return nil, invalidResponse(ErrInvalidSessionSignature), nil
	}
	valid, err := f.signer.VerifyTypedData(
		ctx,
		approval.Payer,
		odp.Domain(f.chainID, f.config.SettlementContract),
		odp.SessionApprovalTypes(),
		"SessionApproval",
		message,
		signature,
	)
	if err != nil || !valid {
		return nil, invalidResponse(ErrInvalidSessionSignature), nil
	}

	if !odp.SameAddress(approval.Payee, requirements.PayTo) ||
		!odp.SameAddress(approval.Asset, requirements.Asset) {
		return nil, invalidResponse(ErrSessionApprovalMismatch), nil
	}
	if approval.SessionID != extras.SessionID ||
		approval.StartNonce != extras.StartNonce ||
		approval.MaxSpend != extras.MaxSpend ||
		approval.Expiry != extras.Expiry {
		return nil, invalidResponse(ErrSessionApprovalMismatch), nil
	}
	if !strings.EqualFold(approval.AuthorizedProcessorsHash, wantProcessorsHash) {
		return nil, invalidResponse(ErrProcessorsHashMismatch), nil
	}

	if record != nil {
		if record.Approval != approval {
			return nil, invalidResponse(ErrSessionApprovalMismatch), nil
		}
		return record, nil, nil
	}

	return &store.SessionRecord{
		Approval:           approval,
		SessionSignature:   odpPayload.SessionSignature,
		Network:            string(requirements.Network),
		SettlementContract: f.config.SettlementContract,
		NextNonce:          approval.StartNonce,
		Spent:              "0",
	}, nil, nil
}

// signerAuthorized reports whether any facilitator address is in the
// requirements' processor allowlist.
func (f *OdpFacilitator) signerAuthorized(processors []string) bool {
	for _, address := range f.signer.GetAddresses() {
		for _, processor := range processors {
			if odp.SameAddress(address, processor) {
				return true
			}
		}
	}
	return false
}

// checkDebitWallet reads the payer's balance and the wallet's withdrawal
// delay, and requires the delay to match the requirements.
func (f *OdpFacilitator) checkDebitWallet(
	ctx context.Context,
	approval odp.SessionApproval,
	extras *odp.Extra,
) (*big.Int, error) {
	balance, err := f.readUint256(ctx, "balanceOf",
		common.HexToAddress(approval.Payer), common.HexToAddress(approval.Asset))
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	delay, err := f.readUint256(ctx, "withdrawDelaySeconds")
	if err != nil {
		return nil, fmt.Errorf("withdrawDelaySeconds: %w", err)
	}
	wantDelay, _ := encoding.ParseUint256(extras.WithdrawDelaySeconds)
	if delay.Cmp(wantDelay) != 0 {
		return nil, fmt.Errorf("withdraw delay is %s, requirements say %s", delay, wantDelay)
	}
	return balance, nil
}

func (f *OdpFacilitator) readUint256(ctx context.Context, functionName string, args ...interface{}) (*big.Int, error) {
	raw, err := f.signer.ReadContract(ctx, f.config.DebitWallet, odp.DebitWalletABI, functionName, args...)
	if err != nil {
		return nil, err
	}
	value, ok := raw.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T, want *big.Int", functionName, raw)
	}
	return value, nil
}

// receiptSignatureValid verifies the receipt's EIP-712 signature against the
// session payer.
func (f *OdpFacilitator) receiptSignatureValid(
	ctx context.Context,
	payer string,
	receipt odp.Receipt,
	receiptSignature string,
) bool {
	signature, err := odp.ParseSignature(receiptSignature)
	if err != nil {
		return false
	}
	message, err := odp.ReceiptMessage(receipt)
	if err != nil {
		return false
	}
	valid, err := f.signer.VerifyTypedData(
		ctx,
		payer,
		odp.Domain(f.chainID, f.config.SettlementContract),
		odp.ReceiptTypes(),
		"Receipt",
		message,
		signature,
	)
	return err == nil && valid
}

// Settle batches the session's pending receipts into one settlement. The
// per-session lock is held across the chain calls so verification cannot
// interleave with a settlement.
func (f *OdpFacilitator) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	fail := func(reason string) *x402.SettleResponse {
		return &x402.SettleResponse{Success: false, ErrorReason: reason, Network: requirements.Network}
	}

	if requirements.Scheme != odp.Scheme || payload.Accepted.Scheme != odp.Scheme {
		return fail(ErrUnsupportedScheme), nil
	}
	if payload.Accepted.Network != requirements.Network || requirements.Network != f.config.Network {
		return fail(ErrNetworkMismatch), nil
	}
	extras, err := odp.ParseExtra(requirements.Extra)
	if err != nil {
		return fail(ErrInvalidRequirementsExtra), nil
	}
	if !odp.SameAddress(extras.SettlementContract, f.config.SettlementContract) {
		return fail(ErrSettlementContractMismatch), nil
	}
	if !odp.SameAddress(extras.DebitWallet, f.config.DebitWallet) {
		return fail(ErrDebitWalletMismatch), nil
	}
	if !decimalEqual(extras.WithdrawDelaySeconds, f.config.WithdrawDelaySeconds) {
		return fail(ErrWithdrawDelayMismatch), nil
	}
	if len(extras.AuthorizedProcessors) > 0 && !f.signerAuthorized(extras.AuthorizedProcessors) {
		return fail(ErrUnauthorizedProcessor), nil
	}

	return f.settleSession(ctx, extras.SessionID, requirements.Network)
}

// settleSession runs one settlement round for a session under its lock.
func (f *OdpFacilitator) settleSession(ctx context.Context, sessionID string, network x402.Network) (*x402.SettleResponse, error) {
	entry := f.locks.acquire(sessionID)
	defer f.locks.release(sessionID, entry)
	return f.settleLocked(ctx, sessionID, network, entry)
}

func (f *OdpFacilitator) settleLocked(
	ctx context.Context,
	sessionID string,
	network x402.Network,
	entry *sessionLock,
) (*x402.SettleResponse, error) {
	fail := func(reason, payer string) *x402.SettleResponse {
		return &x402.SettleResponse{Success: false, ErrorReason: reason, Payer: payer, Network: network}
	}

	record, err := f.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	if record == nil {
		return fail(ErrSessionNotFound, ""), nil
	}
	if f.sessionClosed(record) {
		if err := f.closeSession(ctx, sessionID, entry); err != nil {
			return nil, err
		}
		return fail(ErrSessionNotFound, record.Approval.Payer), nil
	}
	if record.Settling {
		return fail(ErrSettlementInProgress, record.Approval.Payer), nil
	}

	record.Settling = true
	if err := f.store.Put(ctx, sessionID, record); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	// The settling flag must clear on every exit path, including panics in
	// the chain calls.
	defer func() {
		record.Settling = false
		if err := f.store.Put(context.WithoutCancel(ctx), sessionID, record); err != nil {
			f.logger.ErrorContext(ctx, "failed to clear settling flag",
				slog.String("session", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}()

	batchSize := len(record.Receipts)
	if batchSize > f.config.MaxReceiptsPerSettlement {
		batchSize = f.config.MaxReceiptsPerSettlement
	}
	if batchSize == 0 {
		return fail(ErrNoReceipts, record.Approval.Payer), nil
	}
	batch := record.Receipts[:batchSize]

	startNonce, err := encoding.ParseUint256(batch[0].Nonce)
	if err != nil {
		return nil, fmt.Errorf("stored receipt has invalid nonce: %w", err)
	}
	total := new(big.Int)
	for i, receipt := range batch {
		wantNonce := new(big.Int).Add(startNonce, big.NewInt(int64(i)))
		if receipt.Nonce != wantNonce.String() {
			return fail(ErrReceiptNonceGap, record.Approval.Payer), nil
		}
		amount, err := encoding.ParseUint256(receipt.Amount)
		if err != nil {
			return nil, fmt.Errorf("stored receipt has invalid amount: %w", err)
		}
		total.Add(total, amount)
	}
	endNonce := new(big.Int).Add(startNonce, big.NewInt(int64(batchSize-1)))

	balance, err := f.readUint256(ctx, "balanceOf",
		common.HexToAddress(record.Approval.Payer), common.HexToAddress(record.Approval.Asset))
	if err != nil {
		f.logger.WarnContext(ctx, "debit wallet read failed during settlement",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
		return fail(ErrDebitWalletWithdrawDelay, record.Approval.Payer), nil
	}
	if balance.Cmp(total) < 0 {
		return fail(ErrInsufficientBalance, record.Approval.Payer), nil
	}

	transaction, reason := f.executeSettlement(ctx, record, startNonce, endNonce, total)
	if reason != "" {
		return fail(reason, record.Approval.Payer), nil
	}

	record.Receipts = record.Receipts[batchSize:]
	f.settledReceipts.Add(int64(batchSize))
	f.settlementTxs.Inc()
	if len(record.Receipts) == 0 {
		f.unmarkPending(sessionID)
	}

	f.logger.InfoContext(ctx, "session batch settled",
		slog.String("session", sessionID),
		slog.String("transaction", transaction),
		slog.Int("receipts", batchSize),
		slog.String("total", total.String()),
		slog.String("mode", string(f.config.SettlementMode)),
	)

	return &x402.SettleResponse{
		Success:     true,
		Transaction: transaction,
		Network:     network,
		Payer:       record.Approval.Payer,
	}, nil
}

// executeSettlement produces the settlement transaction for a contiguous
// batch. It returns the transaction id, or a failure reason.
func (f *OdpFacilitator) executeSettlement(
	ctx context.Context,
	record *store.SessionRecord,
	startNonce, endNonce, total *big.Int,
) (string, string) {
	if f.config.SettlementMode == odp.SettlementSynthetic {
		transaction, err := odp.SyntheticSettlementHash(record.Approval.SessionID, startNonce, endNonce, total)
		if err != nil {
			f.logger.ErrorContext(ctx, "synthetic settlement hash failed",
				slog.String("session", record.Approval.SessionID),
				slog.String("error", err.Error()),
			)
			return "", ErrSettlementTransactionFailed
		}
		return transaction, ""
	}

	approval, err := record.Approval.Solidity()
	if err != nil {
		f.logger.ErrorContext(ctx, "stored approval cannot be packed",
			slog.String("session", record.Approval.SessionID),
			slog.String("error", err.Error()),
		)
		return "", ErrSettlementTransactionFailed
	}
	signature, err := odp.ParseSignature(record.SessionSignature)
	if err != nil {
		f.logger.ErrorContext(ctx, "stored session signature is malformed",
			slog.String("session", record.Approval.SessionID),
			slog.String("error", err.Error()),
		)
		return "", ErrSettlementTransactionFailed
	}

	txHash, err := f.signer.WriteContract(ctx, record.SettlementContract, odp.SettlementABI,
		"settleSession", approval, signature, startNonce, endNonce, total)
	if err != nil {
		f.logger.ErrorContext(ctx, "settleSession call failed",
			slog.String("session", record.Approval.SessionID),
			slog.String("error", err.Error()),
		)
		return "", ErrSettlementTransactionFailed
	}
	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		f.logger.ErrorContext(ctx, "settlement receipt wait failed",
			slog.String("session", record.Approval.SessionID),
			slog.String("transaction", txHash),
			slog.String("error", err.Error()),
		)
		return "", ErrSettlementTransactionFailed
	}
	if receipt.Status != odp.TxStatusSuccess {
		f.logger.ErrorContext(ctx, "settlement transaction reverted",
			slog.String("session", record.Approval.SessionID),
			slog.String("transaction", txHash),
		)
		return "", ErrSettlementTransactionFailed
	}
	return txHash, ""
}

// sessionClosed reports the terminal state: nothing left to settle and the
// approval can no longer admit receipts.
func (f *OdpFacilitator) sessionClosed(record *store.SessionRecord) bool {
	if len(record.Receipts) > 0 {
		return false
	}
	expiry, err := encoding.ParseUint256(record.Approval.Expiry)
	if err != nil {
		return false
	}
	return expiry.Cmp(big.NewInt(f.now().Unix())) < 0
}

// closeSession evicts a terminal session: store record, pending entry, and
// lock entry. Callers must hold the session's lock entry.
func (f *OdpFacilitator) closeSession(ctx context.Context, sessionID string, entry *sessionLock) error {
	if err := f.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	f.unmarkPending(sessionID)
	f.locks.markClosed(entry)
	return nil
}

func (f *OdpFacilitator) markPending(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pendingSet[sessionID]; ok {
		return
	}
	f.pendingSet[sessionID] = struct{}{}
	f.pending = append(f.pending, sessionID)
}

func (f *OdpFacilitator) unmarkPending(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pendingSet[sessionID]; !ok {
		return
	}
	delete(f.pendingSet, sessionID)
	for i, id := range f.pending {
		if id == sessionID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
}

// pendingSessions snapshots the pending set in insertion order.
func (f *OdpFacilitator) pendingSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.pending))
	copy(out, f.pending)
	return out
}

// decimalEqual compares two decimal strings by value.
func decimalEqual(a, b string) bool {
	left, err := encoding.ParseUint256(a)
	if err != nil {
		return false
	}
	right, err := encoding.ParseUint256(b)
	if err != nil {
		return false
	}
	return left.Cmp(right) == 0
}
