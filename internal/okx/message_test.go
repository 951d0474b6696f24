package okx

import "testing"

func TestParseMessage_Kinds(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    MessageKind
	}{
		{
			"subscribe ack",
			`{"event":"subscribe","arg":{"channel":"candle5m","instId":"BTC-USDT"}}`,
			KindSubscribeAck,
		},
		{
			"error",
			`{"event":"error","code":"60012","msg":"Invalid request"}`,
			KindError,
		},
		{
			"data push",
			`{"arg":{"channel":"candle1H","instId":"BTC-USDT"},"data":[["1700000000000","100","110","95","105","12.5","1300","1300","1"]]}`,
			KindData,
		},
		{
			"heartbeat noise",
			`{"foo":"bar"}`,
			KindUnknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.payload))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := msg.Kind(); got != tc.want {
				t.Errorf("Kind() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseCandle(t *testing.T) {
	arg := SubscribeArg{Channel: "candle1H", InstID: "BTC-USDT"}
	row := CandleRow{"1700002800000", "100", "110", "95", "105", "12.5", "1300.25", "1300.25", "1"}

	c, err := ParseCandle(arg, row)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Symbol != "BTC-USDT" || c.Timeframe != "1h" {
		t.Errorf("identity = %s %s", c.Symbol, c.Timeframe)
	}
	if c.TimestampMS != 1700002800000 {
		t.Errorf("timestamp = %d", c.TimestampMS)
	}
	if c.Open != 100 || c.High != 110 || c.Low != 95 || c.Close != 105 {
		t.Errorf("OHLC = %v %v %v %v", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 12.5 || c.VolumeCurrency != 1300.25 {
		t.Errorf("volume = %v / %v", c.Volume, c.VolumeCurrency)
	}
	if !c.Confirm {
		t.Error("confirm flag lost")
	}
}

func TestParseCandle_Unconfirmed(t *testing.T) {
	arg := SubscribeArg{Channel: "candle5m", InstID: "ETH-USDT"}
	row := CandleRow{"1700000100000", "100", "110", "95", "105", "12.5", "1300", "1300", "0"}

	c, err := ParseCandle(arg, row)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Confirm {
		t.Error("in-progress candle marked confirmed")
	}
}

func TestParseCandle_Malformed(t *testing.T) {
	arg := SubscribeArg{Channel: "candle5m", InstID: "BTC-USDT"}

	if _, err := ParseCandle(arg, CandleRow{"1700000100000", "100"}); err == nil {
		t.Error("short row accepted")
	}
	if _, err := ParseCandle(arg, CandleRow{"x", "100", "110", "95", "105", "12.5", "1300", "1300", "1"}); err == nil {
		t.Error("bad timestamp accepted")
	}
	if _, err := ParseCandle(SubscribeArg{Channel: "candle2m", InstID: "BTC-USDT"},
		CandleRow{"1700000100000", "100", "110", "95", "105", "12.5", "1300", "1300", "1"}); err == nil {
		t.Error("unknown channel accepted")
	}
}

func TestCandleChannel(t *testing.T) {
	cases := map[string]string{
		"1m": "candle1m",
		"1h": "candle1H",
		"1d": "candle1D",
	}
	for tf, want := range cases {
		if got := CandleChannel(tf); got != want {
			t.Errorf("CandleChannel(%q) = %q, want %q", tf, got, want)
		}
	}
}
