package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/alovak/bankcards/internal/cardgen"
	"github.com/alovak/bankcards/internal/expiry"
	"github.com/alovak/bankcards/internal/ledgerclient"
	"github.com/alovak/bankcards/internal/middleware"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/shopspring/decimal"
)

var (
	flagBIN      = flag.String("bin", "421234", "6/8/9-digit BIN prefix")
	flagOwner    = flag.String("owner", "", "owner user id")
	flagAPI      = flag.String("api", "http://127.0.0.1:8080", "ledger base URL")
	flagToken    = flag.String("token", "", "admin bearer token")
	flagSecret   = flag.String("jwt-secret", "", "mint a short-lived admin token with this secret instead of -token (dev only)")
	flagYears    = flag.Int("years", 0, "override validity years (if > 0)")
	flagProduct  = flag.String("product", "debit", "card product: credit|debit (defaults to debit)")
	flagBalance  = flag.String("balance", "0.00", "initial balance")
	flagShowOnly = flag.Bool("print", false, "print JSON only, do not POST")
	flagSequence = flag.String("sequence", "", "optional numeric sequence (before check digit)")
	flagVerbose  = flag.Bool("verbose", false, "print full PAN (otherwise masked)")
)

func main() {
	flag.Parse()
	if *flagOwner == "" {
		fail("-owner is required")
	}
	req := must1(newCreateCard(*flagBIN, *flagSequence, *flagOwner, *flagProduct, *flagYears, *flagBalance, time.Now()))

	printPAN := cardgen.MaskPAN(req.CardNumber)
	if *flagVerbose {
		printPAN = req.CardNumber + "   (WARNING: printing full PAN)"
	}
	exp := must1(expiry.ParseDate(req.ExpirationDate))
	fmt.Printf("PAN: %s\nEXP(card-face): %s  EXP(api): %s\n", printPAN, expiry.CardFace(exp), req.ExpirationDate)

	if *flagShowOnly {
		enc, _ := json.MarshalIndent(req, "", "  ")
		fmt.Println(string(enc))
		return
	}

	token := *flagToken
	if token == "" && *flagSecret != "" {
		token = must1(middleware.IssueToken(*flagSecret, "cardgen", "cardgen", "ADMIN", 5*time.Minute))
	}
	if token == "" {
		fail("-token or -jwt-secret is required to create the card")
	}

	cli := ledgerclient.New(*flagAPI, token, nil)
	card := must1(cli.CreateCard(context.Background(), req))
	fmt.Printf("Created card %s (%s) for owner %s\n", card.ID, cardgen.MaskPAN(card.CardNumber), card.OwnerID)
}

// newCreateCard builds the issue request for a freshly generated PAN.
func newCreateCard(bin, sequence, owner, product string, years int, balance string, now time.Time) (models.CreateCard, error) {
	if err := cardgen.ValidateBIN(bin); err != nil {
		return models.CreateCard{}, err
	}
	amount, err := decimal.NewFromString(balance)
	if err != nil {
		return models.CreateCard{}, fmt.Errorf("balance: %w", err)
	}
	if amount.IsNegative() {
		return models.CreateCard{}, fmt.Errorf("balance cannot be negative")
	}
	pan, err := cardgen.GeneratePAN(bin, sequence)
	if err != nil {
		return models.CreateCard{}, err
	}
	exp := expiry.Default(now, expiry.YearsForProduct(product, years))
	return models.CreateCard{
		CardNumber:     pan,
		OwnerID:        owner,
		ExpirationDate: exp.Format(expiry.DateLayout),
		Status:         models.CardStatusActive,
		Balance:        amount,
	}, nil
}

func must1[T any](v T, err error) T {
	if err != nil {
		fail("%v", err)
	}
	return v
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
