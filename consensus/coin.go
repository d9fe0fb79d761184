package consensus

import (
	"crypto/sha256"

	"github.com/rs/zerolog"

	"github.com/zhazhalaila/SubsetBFT/message"
	"github.com/zhazhalaila/SubsetBFT/verify"
)

type CoinStep = Step[*message.COIN, bool]

type coinNonce struct {
	Session  uint64
	Proposer uint64
	Epoch    int
}

// Coin produces one shared random bit from f+1 threshold signature shares
// over a nonce unique to (session, proposer, epoch).
type Coin struct {
	logger    zerolog.Logger
	netinfo   *NetworkInfo
	nonce     []byte
	shares    map[NodeID][]byte
	shareSent bool
	decided   bool
	value     bool
}

func MakeCoin(logger zerolog.Logger, netinfo *NetworkInfo, session SessionID, proposer NodeID, epoch int) *Coin {
	c := &Coin{}
	c.logger = logger.With().Str("component", "coin").Int("epoch", epoch).Logger()
	c.netinfo = netinfo
	c.nonce = coinNonceHash(session, proposer, epoch)
	c.shares = make(map[NodeID][]byte, netinfo.NumNodes())
	return c
}

func coinNonceHash(session SessionID, proposer NodeID, epoch int) []byte {
	data, err := message.Marshal(coinNonce{Session: uint64(session), Proposer: uint64(proposer), Epoch: epoch})
	if err != nil {
		// Fixed size struct of integers always encodes.
		panic(err)
	}
	return verify.Hash(data)
}

// Input signs the nonce and broadcasts the share. Observers only listen.
func (c *Coin) Input() CoinStep {
	var step CoinStep
	if c.shareSent || !c.netinfo.IsValidator() {
		return step
	}
	c.shareSent = true

	sig, err := c.netinfo.Crypto().SignShare(c.nonce)
	if err != nil {
		c.logger.Error().Err(err).Msg("sign coin share")
		return step
	}
	coin := &message.COIN{Share: sig}
	step.broadcast(coin)
	c.handleShare(&step, c.netinfo.OwnID(), coin)
	return step
}

// HandleShare verifies a share against the sender's index. Shares arriving
// after the coin is decided are still accepted but change nothing.
func (c *Coin) HandleShare(sender NodeID, coin *message.COIN) CoinStep {
	var step CoinStep
	c.handleShare(&step, sender, coin)
	return step
}

func (c *Coin) handleShare(step *CoinStep, sender NodeID, coin *message.COIN) {
	if _, ok := c.shares[sender]; ok {
		return
	}
	index, ok := c.netinfo.Index(sender)
	if !ok {
		step.fault(sender, FaultUnknownSender)
		return
	}
	if err := c.netinfo.Crypto().VerifyShare(index, c.nonce, coin.Share); err != nil {
		c.logger.Warn().Err(err).Uint64("sender", uint64(sender)).Msg("invalid coin share")
		step.fault(sender, FaultInvalidCoinShare)
		return
	}
	c.shares[sender] = coin.Share

	// f+1 shares hold one honest share, and nodes that decided by TERM stop signing.
	if c.decided || len(c.shares) < c.netinfo.Crypto().Threshold() {
		return
	}

	var shares [][]byte
	for _, id := range c.netinfo.allIDs {
		if sig, ok := c.shares[id]; ok {
			shares = append(shares, sig)
		}
	}
	signature, err := c.netinfo.Crypto().CombineShares(c.nonce, shares)
	if err != nil {
		c.logger.Error().Err(err).Msg("combine coin shares")
		return
	}
	if err := c.netinfo.Crypto().VerifyCombined(c.nonce, signature); err != nil {
		c.logger.Error().Err(err).Msg("verify coin signature")
		return
	}

	coinHash := sha256.Sum256(signature)
	c.decided = true
	c.value = coinHash[0]&1 == 1
	c.logger.Debug().Bool("coin", c.value).Msg("coin decided")
	step.output(c.value)
}

func (c *Coin) Value() (bool, bool) {
	return c.value, c.decided
}
