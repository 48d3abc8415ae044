package intel

// SeedSource names the built-in lists.
const SeedSource = "builtin"

var trustedSeed = []string{
	"uniswap.org",
	"app.uniswap.org",
	"metamask.io",
	"opensea.io",
	"aave.com",
	"curve.fi",
	"lido.fi",
	"1inch.io",
	"compound.finance",
	"ens.domains",
	"etherscan.io",
	"safe.global",
	"zapper.xyz",
	"rainbow.me",
	"coinbase.com",
}

var blockedSeed = []string{
	"uniswap-airdrop.net",
	"metamask-wallet-verify.com",
	"opensea-claim.xyz",
}

// Seed returns the built-in snapshot. It carries no timestamp, so on its
// own it counts as stale and never raises verification above NONE.
func Seed() *Snapshot {
	b := NewBuilder()
	for _, h := range trustedSeed {
		b.TrustHost(h, SeedSource)
	}
	for _, h := range blockedSeed {
		b.BlockHost(h, SeedSource)
	}
	return b.snap
}
