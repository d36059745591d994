package app

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	execsigner "github.com/ggonzalez94/rewards-compounder/internal/execution/signer"
	"github.com/ggonzalez94/rewards-compounder/internal/model"
	"github.com/ggonzalez94/rewards-compounder/internal/reads"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newMarketsCommand() *cobra.Command {
	root := &cobra.Command{Use: "markets", Short: "Market registry commands"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured markets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := s.ensureRegistry()
			if err != nil {
				return err
			}
			items := make([]model.MarketInfo, 0, len(reg.Markets()))
			for _, m := range reg.Markets() {
				items = append(items, model.MarketInfo{
					ID:                     m.ID,
					Name:                   m.Name,
					Minter:                 m.Minter.Hex(),
					PeggedToken:            m.PeggedToken.Hex(),
					PeggedSymbol:           m.PeggedSymbol,
					LeveragedToken:         hexOrEmpty(m.LeveragedToken),
					LeveragedSymbol:        m.LeveragedSymbol,
					CollateralToken:        hexOrEmpty(m.CollateralToken),
					WrappedCollateralToken: m.WrappedCollateralToken.Hex(),
					CollateralPool:         hexOrEmpty(m.CollateralPool),
					SailPool:               hexOrEmpty(m.SailPool),
				})
			}
			if reg.ChainID != 0 {
				s.lastMeta.ChainID = reg.ChainID
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass())
		},
	})
	return root
}

type positionsData struct {
	Account   string              `json:"account"`
	UpdatedAt time.Time           `json:"updated_at"`
	Markets   []reads.MarketReads `json:"markets"`
}

func (s *runtimeState) newPositionsCommand() *cobra.Command {
	var account string
	var keys signerArgs
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Read market supplies and the account's stability-pool deposits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			sess, err := s.readSession(ctx, account, keys)
			if err != nil {
				return err
			}
			if err := sess.reader.Refresh(ctx); err != nil {
				return err
			}
			data := positionsData{
				Account:   sess.account.Hex(),
				UpdatedAt: sess.reader.UpdatedAt(),
				Markets:   sess.reader.Markets(),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account to read deposits for (defaults to the signer)")
	cmd.Flags().StringVar(&keys.keySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file|keystore)")
	return cmd
}

func hexOrEmpty(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}
