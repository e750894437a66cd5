package scheduler

import (
	"time"
)

// NextSendTime вычисляет время следующей отправки контакту.
//
//  1. candidate = max(now, lastSent + intervalDays)
//  2. сдвигаем candidate по дню, пока день недели не попадёт в allowed
//  3. ставим часы на sendHour
//  4. если candidate ≤ now, берём следующий день и повторяем поиск
//
// Функция чистая: зависит только от аргументов. Пустой allowed
// означает все дни недели. Календарная арифметика идёт в loc.
func NextSendTime(lastSent *time.Time, intervalDays int, allowed []time.Weekday, sendHour int, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}

	candidate := now
	if lastSent != nil {
		earliest := lastSent.In(loc).AddDate(0, 0, intervalDays)
		if earliest.After(candidate) {
			candidate = earliest
		}
	}

	days := weekdaySet(allowed)
	c := candidate.In(loc)
	y, m, d := c.Date()

	// Две недели заведомо покрывают любой непустой набор дней.
	for i := 0; i < 15; i++ {
		slot := time.Date(y, m, d+i, sendHour, 0, 0, 0, loc)
		if !days[slot.Weekday()] {
			continue
		}
		if slot.After(now) {
			return slot.UTC()
		}
	}

	// Недостижимо при валидном allowed; для мусора ведём себя как "все дни".
	return NextSendTime(lastSent, intervalDays, nil, sendHour, now, loc)
}

func weekdaySet(allowed []time.Weekday) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, 7)
	for _, d := range allowed {
		if d >= time.Sunday && d <= time.Saturday {
			set[d] = true
		}
	}
	if len(set) == 0 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			set[d] = true
		}
	}
	return set
}
