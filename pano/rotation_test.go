package pano

import (
	"math"
	"testing"
)

const testEpsilon = 1e-9

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) < eps
}

func det3(m Mat3) float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

func TestQuatRoundTrip(t *testing.T) {
	cases := []Mat3{
		Identity3(),
		RotX(0.3),
		RotY(1.1),
		RotZ(-0.7),
		Mul3(RotX(0.2), Mul3(RotY(0.5), RotZ(0.9))),
	}
	for _, m := range cases {
		q := QuatFromMat3(m)
		back := q.Mat3()
		for i := range m {
			if !almostEqual(m[i], back[i], testEpsilon) {
				t.Fatalf("round trip mismatch at %d: %v vs %v", i, m, back)
			}
		}
	}
}

func TestSlerpEndpoints(t *testing.T) {
	a := RotX(0.1)
	b := RotY(1.3)

	same := SlerpPose(To4(a), To4(a), 0.7)
	sameR := To3(same)
	for i := range a {
		if !almostEqual(a[i], sameR[i], 1e-8) {
			t.Fatalf("slerp(a,a,t) != a at %d", i)
		}
	}

	at0 := To3(SlerpPose(To4(a), To4(b), 0))
	for i := range a {
		if !almostEqual(a[i], at0[i], 1e-8) {
			t.Fatalf("slerp(a,b,0) != a at %d", i)
		}
	}

	at1 := To3(SlerpPose(To4(a), To4(b), 1))
	for i := range b {
		if !almostEqual(b[i], at1[i], 1e-8) {
			t.Fatalf("slerp(a,b,1) != b at %d", i)
		}
	}
}

func TestSlerpDeterminant(t *testing.T) {
	a := RotX(0.2)
	b := RotZ(2.4)
	for _, tt := range []float64{0, 0.25, 0.5, 0.75, 1} {
		r := To3(SlerpPose(To4(a), To4(b), tt))
		d := det3(r)
		if !almostEqual(d, 1, 1e-10) {
			t.Fatalf("det at t=%v = %v, want 1", tt, d)
		}
	}
}

func TestAngleBetweenSelfIsZero(t *testing.T) {
	m := Mul3(RotX(0.4), RotY(-0.6))
	angle := AngleBetween(m, m)
	if !almostEqual(angle, 0, 1e-9) {
		t.Fatalf("angle between identical rotations = %v, want 0", angle)
	}
}

func TestScaleIntrinsicsRatiosPreserved(t *testing.T) {
	k := Mat3{500, 0, 320, 0, 500, 240, 0, 0, 1}
	scaled := ScaleIntrinsics(k, 640, 480, 1280, 960)
	back := ScaleIntrinsics(scaled, 1280, 960, 640, 480)

	if !almostEqual(k[0]/640, back[0]/640, 1e-6) {
		t.Fatalf("focal ratio not preserved: %v vs %v", k[0], back[0])
	}
}
