package main

import (
	"encoding/json"
	"errors"

	"github.com/kvisthall/eventsource"
	"github.com/kvisthall/eventsource/core"
)

// Item is the warehouse inventory aggregate. Its current state doubles
// as the entity replicated between warehouse nodes.
type Item struct {
	eventsource.AggregateRoot
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
}

// ItemRegistered is the first event on every item.
type ItemRegistered struct {
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

// PriceChanged sets a new unit price.
type PriceChanged struct {
	Cents int64 `json:"cents"`
}

// StockAdjusted moves stock in or out.
type StockAdjusted struct {
	Delta int `json:"delta"`
}

// RegisterItem creates the aggregate with its first event.
func RegisterItem(sku, name string) (*Item, error) {
	if sku == "" {
		return nil, errors.New("sku is required")
	}
	data, err := json.Marshal(ItemRegistered{SKU: sku, Name: name})
	if err != nil {
		return nil, err
	}
	item := Item{}
	item.TrackChange(&item, "ItemRegistered", data)
	return &item, nil
}

// ChangePrice records a new unit price.
func (i *Item) ChangePrice(cents int64) error {
	if cents <= 0 {
		return errors.New("price must be positive")
	}
	data, err := json.Marshal(PriceChanged{Cents: cents})
	if err != nil {
		return err
	}
	i.TrackChange(i, "PriceChanged", data)
	return nil
}

// AdjustStock records a stock delta, negative for outbound goods.
func (i *Item) AdjustStock(delta int) error {
	if i.Stock+delta < 0 {
		return errors.New("stock cannot go negative")
	}
	data, err := json.Marshal(StockAdjusted{Delta: delta})
	if err != nil {
		return err
	}
	i.TrackChange(i, "StockAdjusted", data)
	return nil
}

// Transition folds one event into the item state.
func (i *Item) Transition(event core.Event) {
	switch event.EventType {
	case "ItemRegistered":
		var e ItemRegistered
		json.Unmarshal(event.Data, &e)
		i.SKU = e.SKU
		i.Name = e.Name
	case "PriceChanged":
		var e PriceChanged
		json.Unmarshal(event.Data, &e)
		i.PriceCents = e.Cents
	case "StockAdjusted":
		var e StockAdjusted
		json.Unmarshal(event.Data, &e)
		i.Stock += e.Delta
	}
}

// Key makes the item replicable between warehouse nodes.
func (i *Item) Key() string {
	return i.ID()
}

// EntityVersion lets the higher version wins policy arbitrate on the
// aggregate version.
func (i *Item) EntityVersion() uint64 {
	return uint64(i.Version())
}
