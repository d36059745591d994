package registry

// ABI fragments used by the on-chain venue adapter.
const (
	ERC20ABI = `[
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`

	MinterABI = `[
		{"name":"mintPeggedTokenDryRun","type":"function","stateMutability":"view","inputs":[{"name":"wrappedCollateralIn","type":"uint256"}],"outputs":[{"name":"wrappedFee","type":"uint256"},{"name":"peggedMinted","type":"uint256"}]},
		{"name":"redeemPeggedTokenDryRun","type":"function","stateMutability":"view","inputs":[{"name":"peggedIn","type":"uint256"}],"outputs":[{"name":"wrappedFee","type":"uint256"},{"name":"wrappedCollateralReturned","type":"uint256"}]},
		{"name":"redeemLeveragedTokenDryRun","type":"function","stateMutability":"view","inputs":[{"name":"leveragedIn","type":"uint256"}],"outputs":[{"name":"wrappedFee","type":"uint256"},{"name":"wrappedCollateralReturned","type":"uint256"}]},
		{"name":"mintPeggedToken","type":"function","stateMutability":"nonpayable","inputs":[{"name":"collateralAmount","type":"uint256"},{"name":"receiver","type":"address"},{"name":"minPeggedOut","type":"uint256"}],"outputs":[{"name":"peggedAmount","type":"uint256"}]},
		{"name":"redeemPeggedToken","type":"function","stateMutability":"nonpayable","inputs":[{"name":"peggedAmount","type":"uint256"},{"name":"receiver","type":"address"},{"name":"minCollateralOut","type":"uint256"}],"outputs":[{"name":"collateralAmount","type":"uint256"}]},
		{"name":"redeemLeveragedToken","type":"function","stateMutability":"nonpayable","inputs":[{"name":"leveragedAmount","type":"uint256"},{"name":"receiver","type":"address"},{"name":"minCollateralOut","type":"uint256"}],"outputs":[{"name":"collateralAmount","type":"uint256"}]},
		{"name":"collateralRatio","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`

	StabilityPoolABI = `[
		{"name":"claim","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
		{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"assetAmount","type":"uint256"},{"name":"receiver","type":"address"},{"name":"minAmount","type":"uint256"}],"outputs":[]},
		{"name":"getClaimableRewards","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"tokens","type":"address[]"},{"name":"amounts","type":"uint256[]"}]},
		{"name":"assetBalanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"totalAssetSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`
)
