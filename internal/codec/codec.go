// Package codec serializes event payloads for the pipeline bus and the
// archive store. Payloads are JSON encoded with sonic; the fixed event
// header travels alongside, never inside, the payload.
package codec

import (
	"github.com/bytedance/sonic"

	"main/internal/schema"
)

// EncodeSignal serializes a trade signal payload.
func EncodeSignal(sig schema.Signal) ([]byte, error) {
	return sonic.Marshal(sig)
}

// DecodeSignal parses a trade signal payload.
func DecodeSignal(src []byte) (schema.Signal, error) {
	var sig schema.Signal
	if err := sonic.Unmarshal(src, &sig); err != nil {
		return schema.Signal{}, err
	}
	return sig, nil
}

// EncodeIntent serializes an order intent payload.
func EncodeIntent(intent schema.OrderIntent) ([]byte, error) {
	return sonic.Marshal(intent)
}

// DecodeIntent parses an order intent payload.
func DecodeIntent(src []byte) (schema.OrderIntent, error) {
	var intent schema.OrderIntent
	if err := sonic.Unmarshal(src, &intent); err != nil {
		return schema.OrderIntent{}, err
	}
	return intent, nil
}

// EncodeTransition serializes an order state transition payload.
func EncodeTransition(ev schema.TransitionEvent) ([]byte, error) {
	return sonic.Marshal(ev)
}

// DecodeTransition parses an order state transition payload.
func DecodeTransition(src []byte) (schema.TransitionEvent, error) {
	var ev schema.TransitionEvent
	if err := sonic.Unmarshal(src, &ev); err != nil {
		return schema.TransitionEvent{}, err
	}
	return ev, nil
}

// EncodeOutcome serializes a terminal order outcome payload.
func EncodeOutcome(out schema.OrderOutcome) ([]byte, error) {
	return sonic.Marshal(out)
}

// DecodeOutcome parses a terminal order outcome payload.
func DecodeOutcome(src []byte) (schema.OrderOutcome, error) {
	var out schema.OrderOutcome
	if err := sonic.Unmarshal(src, &out); err != nil {
		return schema.OrderOutcome{}, err
	}
	return out, nil
}

// EncodeTick serializes a market tick payload.
func EncodeTick(tick schema.Tick) ([]byte, error) {
	return sonic.Marshal(tick)
}

// DecodeTick parses a market tick payload.
func DecodeTick(src []byte) (schema.Tick, error) {
	var tick schema.Tick
	if err := sonic.Unmarshal(src, &tick); err != nil {
		return schema.Tick{}, err
	}
	return tick, nil
}
