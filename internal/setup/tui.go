// Package setup holds the interactive spread editor used by spreadctl.
package setup

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)
)

// SpreadStore reads and writes the spread table.
type SpreadStore interface {
	Get(ctx context.Context) (domain.SpreadConfig, error)
	SetOne(ctx context.Context, class domain.AssetClass, asset domain.Asset, upd domain.SpreadUpdate) (domain.SpreadConfig, error)
}

// RenderSpreads draws the table, metals first.
func RenderSpreads(cfg domain.SpreadConfig) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(highlight)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return cellStyle.Bold(true).Foreground(special)
			}
			return cellStyle
		}).
		Headers("CLASS", "ASSET", "BUY %", "SELL %")

	for _, class := range []domain.AssetClass{domain.ClassMetals, domain.ClassCrypto} {
		entries := cfg.Class(class)
		for _, a := range domain.AssetsOfClass(class) {
			p, ok := entries[a]
			if !ok {
				t.Row(string(class), string(a), "-", "-")
				continue
			}
			t.Row(string(class), string(a), p.Buy.String(), p.Sell.String())
		}
	}
	return t.Render()
}

// RunSpreadEditor asks for one asset and its new spreads, then saves them.
func RunSpreadEditor(ctx context.Context, store SpreadStore) error {
	current, err := store.Get(ctx)
	if err != nil {
		return errors.Wrap(err, "load spreads")
	}

	var (
		class   string
		asset   string
		buyStr  string
		sellStr string
		confirm bool
	)

	screen := func(step string) {
		fmt.Print("\033[H\033[2J")
		fmt.Println(headerStyle.Render("BULLION SPREADS"))
		fmt.Println(stepStyle.Render(step))
	}

	screen("CURRENT SPREADS")
	fmt.Println(RenderSpreads(current))

	// class
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Asset class").
				Options(
					huh.NewOption("Metals (per gram)", string(domain.ClassMetals)),
					huh.NewOption("Crypto", string(domain.ClassCrypto)),
				).
				Value(&class),
		),
	).Run()
	if err != nil {
		return err
	}

	// asset
	screen("STEP 2: ASSET")
	var options []huh.Option[string]
	for _, a := range domain.AssetsOfClass(domain.AssetClass(class)) {
		options = append(options, huh.NewOption(fmt.Sprintf("%s (%s)", a, a.Name()), string(a)))
	}
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Asset").
				Options(options...).
				Value(&asset),
		),
	).Run()
	if err != nil {
		return err
	}

	pair, _ := current.Lookup(domain.Asset(asset))
	buyStr, sellStr = pair.Buy.String(), pair.Sell.String()

	// spreads
	screen("STEP 3: SPREADS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Buy spread %").
				Description("Markup over the base price when customers buy (0-10)").
				Value(&buyStr).
				Validate(validatePercent),
			huh.NewInput().
				Title("Sell spread %").
				Description("Discount under the base price when customers sell (0-10)").
				Value(&sellStr).
				Validate(validatePercent),
		),
	).Run()
	if err != nil {
		return err
	}

	upd, err := buildUpdate(pair, buyStr, sellStr)
	if err != nil {
		return err
	}

	screen("FINAL CONFIRMATION")
	summary := fmt.Sprintf("Class: %s\nAsset: %s\nBuy: %s%% -> %s%%\nSell: %s%% -> %s%%\n",
		class, asset, pair.Buy, strings.TrimSpace(buyStr), pair.Sell, strings.TrimSpace(sellStr))
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save spreads?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return errors.New("cancelled by user")
	}

	updated, err := store.SetOne(ctx, domain.AssetClass(class), domain.Asset(asset), upd)
	if err != nil {
		return errors.Wrap(err, "save spreads")
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\nSaved spreads for %s", asset)))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render(RenderSpreads(updated)))
	return nil
}

func validatePercent(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return errors.New("must be a valid number")
	}
	if err := domain.ValidateSpreadPercent(d); err != nil {
		return errors.Errorf("must be between 0 and %s", domain.MaxSpreadPercent)
	}
	return nil
}

// buildUpdate keeps only the values that changed.
func buildUpdate(current domain.SpreadPair, buyStr, sellStr string) (domain.SpreadUpdate, error) {
	var upd domain.SpreadUpdate
	for _, f := range []struct {
		raw string
		cur decimal.Decimal
		dst **decimal.Decimal
	}{
		{buyStr, current.Buy, &upd.Buy},
		{sellStr, current.Sell, &upd.Sell},
	} {
		if err := validatePercent(f.raw); err != nil {
			return domain.SpreadUpdate{}, errors.Wrap(domain.ErrValidation, err.Error())
		}
		d := decimal.RequireFromString(strings.TrimSpace(f.raw))
		if !d.Equal(f.cur) {
			*f.dst = &d
		}
	}
	return upd, nil
}
