package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/p2ppsr/babbage-escrow/client"
	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

const commandTimeout = 30 * time.Second

type command func(args []string, stdout, stderr io.Writer) int

var commands = map[string]command{
	"keys":            runKeys,
	"seek":            runSeek,
	"list":            runList,
	"history":         runHistory,
	"cancel":          runCancel,
	"extend":          runExtend,
	"increase":        runIncrease,
	"bid":             runBid,
	"accept":          runAccept,
	"withdraw":        runWithdraw,
	"authorize-start": runAuthorizeStart,
	"start":           runStart,
	"submit":          runSubmit,
	"approve":         runApprove,
	"dispute":         runDispute,
	"claim":           runClaim,
	"resolve":         runResolve,
}

// signatureJSON is the portable form of a co-signature handed from the
// platform to the furnisher.
type signatureJSON struct {
	Key string `json:"key"`
	Sig string `json:"sig"`
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	return fs
}

// timestampValue is a flag.Value for block heights and Unix times. Values
// that do not fit the 32-bit lock-time field are rejected.
type timestampValue escrow.Timestamp

func (t *timestampValue) String() string {
	if t == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*t), 10)
}

func (t *timestampValue) Set(raw string) error {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return errors.New("must be an unsigned integer")
	}
	if v > math.MaxUint32 {
		return fmt.Errorf("%d exceeds the largest timestamp %d", v, uint64(math.MaxUint32))
	}
	*t = timestampValue(v)
	return nil
}

func timestampFlag(fs *flag.FlagSet, name, usage string) *escrow.Timestamp {
	var ts escrow.Timestamp
	fs.Var((*timestampValue)(&ts), name, usage)
	return &ts
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

// reportError prints err, adding the wire code and failed guard when the
// overlay supplied them.
func reportError(w io.Writer, err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Guard != "" {
			fmt.Fprintf(w, "Error: %s (%s, guard %s)\n", apiErr.Message, apiErr.Code, apiErr.Guard)
		} else {
			fmt.Fprintf(w, "Error: %s (%s)\n", apiErr.Message, apiErr.Code)
		}
		return 1
	}
	if guard, ok := escrow.FailedGuard(err); ok {
		fmt.Fprintf(w, "Error: %v (guard %s)\n", err, guard)
		return 1
	}
	return printError(w, err.Error())
}

func writeResult(w io.Writer, v interface{}) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return printError(w, err.Error())
	}
	fmt.Fprintln(w, string(data))
	return 0
}

// parse parses args and rejects positional leftovers.
func parse(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func parseContract(raw string) (escrow.ContractID, error) {
	if strings.TrimSpace(raw) == "" {
		return escrow.ContractID{}, errors.New("--contract is required")
	}
	return escrow.ParseContractID(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
}

func parseBidID(raw string) (escrow.BidID, error) {
	var id escrow.BidID
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return id, fmt.Errorf("--bid must be hex: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("--bid must be %d bytes", len(id))
	}
	copy(id[:], decoded)
	return id, nil
}

func parseSignature(raw string) (escrow.Signature, error) {
	var payload signatureJSON
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return escrow.Signature{}, fmt.Errorf("--platform-sig must be the JSON printed by authorize-start: %w", err)
	}
	key, err := escrow.ParsePubKey(payload.Key)
	if err != nil {
		return escrow.Signature{}, err
	}
	sig, err := hex.DecodeString(payload.Sig)
	if err != nil {
		return escrow.Signature{}, fmt.Errorf("--platform-sig: %w", err)
	}
	return escrow.Signature{Key: key, Sig: sig}, nil
}

// withSession opens a session and runs fn under the command timeout.
func withSession(stdout, stderr io.Writer, fn func(ctx context.Context, s *session) (interface{}, error)) int {
	s, err := openSession()
	if err != nil {
		return reportError(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	result, err := fn(ctx, s)
	if err != nil {
		return reportError(stderr, err)
	}
	return writeResult(stdout, result)
}

// contractCommand handles the common shape: a --contract flag plus
// command-specific flags registered by setup.
func contractCommand(name string, args []string, stdout, stderr io.Writer, setup func(fs *flag.FlagSet) func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error)) int {
	fs := newFlagSet(name, stderr)
	var contract string
	fs.StringVar(&contract, "contract", "", "contract id (hex)")
	action := setup(fs)
	if !parse(fs, args, stderr) {
		return 1
	}
	id, err := parseContract(contract)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withSession(stdout, stderr, func(ctx context.Context, s *session) (interface{}, error) {
		return action(ctx, s, id)
	})
}

func runKeys(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keys", stderr)
	if !parse(fs, args, stderr) {
		return 1
	}
	return withSession(stdout, stderr, func(ctx context.Context, s *session) (interface{}, error) {
		out := make(map[string]string, 3)
		for _, role := range []escrow.Role{escrow.RoleSeeker, escrow.RoleFurnisher, escrow.RolePlatform} {
			key, err := s.signer.PublicKey(ctx, role)
			if err != nil {
				return nil, err
			}
			out[role.String()] = key.String()
		}
		return out, nil
	})
}

func runSeek(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("seek", stderr)
	var (
		description string
		bounty      uint64
	)
	fs.StringVar(&description, "description", "", "work description")
	deadline := timestampFlag(fs, "deadline", "work completion deadline (block height or unix seconds)")
	fs.Uint64Var(&bounty, "bounty", 0, "opening bounty for bounty contracts")
	if !parse(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(description) == "" {
		return printError(stderr, "--description is required")
	}
	if *deadline == 0 {
		return printError(stderr, "--deadline is required")
	}
	return withSession(stdout, stderr, func(ctx context.Context, s *session) (interface{}, error) {
		_, ack, err := s.seeker.Seek(ctx, description, *deadline, bounty)
		return ack, err
	})
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	var view string
	fs.StringVar(&view, "view", "open", "open, available, mine, disputes or resolved")
	if !parse(fs, args, stderr) {
		return 1
	}
	var list func(ctx context.Context, s *session) ([]client.Entry, error)
	switch view {
	case "open":
		list = func(ctx context.Context, s *session) ([]client.Entry, error) { return s.seeker.OpenContracts(ctx) }
	case "available":
		list = func(ctx context.Context, s *session) ([]client.Entry, error) { return s.furnisher.AvailableWork(ctx) }
	case "mine":
		list = func(ctx context.Context, s *session) ([]client.Entry, error) { return s.furnisher.MyContracts(ctx) }
	case "disputes":
		list = func(ctx context.Context, s *session) ([]client.Entry, error) { return s.platform.ActiveDisputes(ctx) }
	case "resolved":
		return withSession(stdout, stderr, func(ctx context.Context, s *session) (interface{}, error) {
			rulings, err := s.platform.HistoricalDisputes(ctx)
			if rulings == nil {
				rulings = []client.Resolution{}
			}
			return rulings, err
		})
	default:
		return printError(stderr, "--view must be open, available, mine, disputes or resolved")
	}
	return withSession(stdout, stderr, func(ctx context.Context, s *session) (interface{}, error) {
		entries, err := list(ctx, s)
		if entries == nil {
			entries = []client.Entry{}
		}
		return entries, err
	})
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	return contractCommand("history", args, stdout, stderr, func(*flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			return s.history.History(ctx, id)
		}
	})
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	return contractCommand("cancel", args, stdout, stderr, func(*flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			return s.seeker.CancelBeforeAccept(ctx, id)
		}
	})
}

func runExtend(args []string, stdout, stderr io.Writer) int {
	return contractCommand("extend", args, stdout, stderr, func(fs *flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		by := timestampFlag(fs, "by", "extension in the contract's delay unit")
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			return s.seeker.ExtendDeadline(ctx, id, *by)
		}
	})
}

func runIncrease(args []string, stdout, stderr io.Writer) int {
	return contractCommand("increase", args, stdout, stderr, func(fs *flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		amount := fs.Uint64("amount", 0, "amount to add to the bounty")
		as := fs.String("as", "seeker", "seeker or platform")
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			switch *as {
			case "seeker":
				return s.seeker.IncreaseBounty(ctx, id, *amount)
			case "platform":
				return s.platform.IncreaseBounty(ctx, id, *amount)
			default:
				return nil, errors.New("--as must be seeker or platform")
			}
		}
	})
}

type bidResult struct {
	BidID string     `json:"bidId"`
	Ack   client.Ack `json:"ack"`
}

func runBid(args []string, stdout, stderr io.Writer) int {
	return contractCommand("bid", args, stdout, stderr, func(fs *flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		plans := fs.String("plans", "", "how the work will be done")
		amount := fs.Uint64("amount", 0, "bid amount")
		bond := fs.Uint64("bond", 0, "bond posted when work starts")
		required := timestampFlag(fs, "time-required", "time needed to finish the work")
		at := timestampFlag(fs, "at", "current block height or unix time")
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			bidID, ack, err := s.furnisher.PlaceBid(ctx, id, *plans, *amount, *bond, *required, *at)
			if err != nil {
				return nil, err
			}
			return bidResult{BidID: hex.EncodeToString(bidID[:]), Ack: ack}, nil
		}
	})
}

func runAccept(args []string, stdout, stderr io.Writer) int {
	return contractCommand("accept", args, stdout, stderr, func(fs *flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		rawBid := fs.String("bid", "", "bid id printed by the bid command")
		at := timestampFlag(fs, "at", "current block height or unix time")
		as := fs.String("as", "seeker", "seeker or platform")
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			bidID, err := parseBidID(*rawBid)
			if err != nil {
				return nil, err
			}
			switch *as {
			case "seeker":
				return s.seeker.AcceptBid(ctx, id, bidID, *at)
			case "platform":
				return s.platform.AcceptBid(ctx, id, bidID, *at)
			default:
				return nil, errors.New("--as must be seeker or platform")
			}
		}
	})
}

func runWithdraw(args []string, stdout, stderr io.Writer) int {
	return contractCommand("withdraw", args, stdout, stderr, func(fs *flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		at := timestampFlag(fs, "at", "current block height or unix time")
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			return s.seeker.WithdrawBidAcceptance(ctx, id, *at)
		}
	})
}

func runAuthorizeStart(args []string, stdout, stderr io.Writer) int {
	return contractCommand("authorize-start", args, stdout, stderr, func(*flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			sig, err := s.platform.AuthorizeStart(ctx, id)
			if err != nil {
				return nil, err
			}
			return signatureJSON{Key: sig.Key.String(), Sig: hex.EncodeToString(sig.Sig)}, nil
		}
	})
}

func runStart(args []string, stdout, stderr io.Writer) int {
	return contractCommand("start", args, stdout, stderr, func(fs *flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		rawSig := fs.String("platform-sig", "", "platform co-signature from authorize-start")
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			if strings.TrimSpace(*rawSig) == "" {
				return s.furnisher.StartWork(ctx, id, nil)
			}
			sig, err := parseSignature(*rawSig)
			if err != nil {
				return nil, err
			}
			return s.furnisher.StartWork(ctx, id, &sig)
		}
	})
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	return contractCommand("submit", args, stdout, stderr, func(fs *flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		description := fs.String("description", "", "description of the completed work")
		at := timestampFlag(fs, "at", "current block height or unix time")
		adhoc := fs.Bool("adhoc", false, "submit against an open bounty without a prior bid")
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			if *adhoc {
				return s.furnisher.SubmitAdHoc(ctx, id, *description, *at)
			}
			return s.furnisher.SubmitWork(ctx, id, *description, *at)
		}
	})
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	return contractCommand("approve", args, stdout, stderr, func(*flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			return s.seeker.ApproveWork(ctx, id)
		}
	})
}

func runDispute(args []string, stdout, stderr io.Writer) int {
	return contractCommand("dispute", args, stdout, stderr, func(fs *flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		at := timestampFlag(fs, "at", "current block height or unix time")
		as := fs.String("as", "seeker", "seeker or furnisher")
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			switch *as {
			case "seeker":
				return s.seeker.RaiseDispute(ctx, id, *at)
			case "furnisher":
				return s.furnisher.RaiseDispute(ctx, id, *at)
			default:
				return nil, errors.New("--as must be seeker or furnisher")
			}
		}
	})
}

func runClaim(args []string, stdout, stderr io.Writer) int {
	return contractCommand("claim", args, stdout, stderr, func(*flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			return s.furnisher.ClaimPayment(ctx, id)
		}
	})
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	return contractCommand("resolve", args, stdout, stderr, func(fs *flag.FlagSet) func(context.Context, *session, escrow.ContractID) (interface{}, error) {
		forSeeker := fs.Uint64("seeker-amount", 0, "amount awarded to the seeker")
		forFurnisher := fs.Uint64("furnisher-amount", 0, "amount awarded to the furnisher")
		return func(ctx context.Context, s *session, id escrow.ContractID) (interface{}, error) {
			return s.platform.ResolveDispute(ctx, id, *forSeeker, *forFurnisher)
		}
	})
}
