package battles

import "wagercore/internal/wager"

// Outcome is the settlement of a finished room.
type Outcome struct {
	Totals   []int64
	Winners  []int
	Pot      int64
	Earnings []int64
}

// Settle sums each seat's drawn items, picks the winners and splits the pot,
// capped at maxWin, evenly between them.
func Settle(mode wager.BattleMode, reversed bool, items [][]wager.DrawnItem, seats int, maxWin int64) Outcome {
	out := Outcome{Totals: make([]int64, seats), Earnings: make([]int64, seats)}
	for _, round := range items {
		for seat, it := range round {
			if seat < seats {
				out.Totals[seat] += it.Price
			}
		}
	}
	for _, t := range out.Totals {
		out.Pot += t
	}
	if maxWin > 0 && out.Pot > maxWin {
		out.Pot = maxWin
	}
	if mode.Team() {
		out.Winners = teamWinners(out.Totals, reversed)
	} else {
		out.Winners = extremeWinners(out.Totals, reversed)
	}
	if len(out.Winners) == 0 {
		return out
	}
	share := out.Pot / int64(len(out.Winners))
	for _, w := range out.Winners {
		out.Earnings[w] = share
	}
	return out
}

// teamWinners compares seats 0+1 against 2+3. A tie pays both teams.
func teamWinners(totals []int64, reversed bool) []int {
	if len(totals) < 4 {
		return nil
	}
	a, b := totals[0]+totals[1], totals[2]+totals[3]
	switch {
	case a == b:
		return []int{0, 1, 2, 3}
	case (a > b) != reversed:
		return []int{0, 1}
	default:
		return []int{2, 3}
	}
}

// extremeWinners returns every seat on the highest total, or the lowest when
// reversed. An extreme of zero has no winners.
func extremeWinners(totals []int64, reversed bool) []int {
	if len(totals) == 0 {
		return nil
	}
	extreme := totals[0]
	for _, t := range totals[1:] {
		if (!reversed && t > extreme) || (reversed && t < extreme) {
			extreme = t
		}
	}
	if extreme == 0 {
		return nil
	}
	var out []int
	for i, t := range totals {
		if t == extreme {
			out = append(out, i)
		}
	}
	return out
}
