package domain

import "github.com/mbd888/authorityx/internal/money"

func moneyUnits(n int64) money.Amount { return money.FromUnits(n) }
